package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProviderGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids", "visitor-id")
	p, err := NewFileProvider(path)
	require.NoError(t, err)

	id, err := p.VisitorID()
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	again, err := p.VisitorID()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	// A fresh provider over the same file reads the same id.
	p2, err := NewFileProvider(path)
	require.NoError(t, err)
	fromDisk, err := p2.VisitorID()
	require.NoError(t, err)
	assert.Equal(t, id, fromDisk)
}

func TestFileProviderReplacesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visitor-id")
	require.NoError(t, os.WriteFile(path, []byte("not-a-uuid"), 0o600))

	p, err := NewFileProvider(path)
	require.NoError(t, err)
	id, err := p.VisitorID()
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", id)
}

func TestStatic(t *testing.T) {
	id, err := Static("vis-1").VisitorID()
	require.NoError(t, err)
	assert.Equal(t, "vis-1", id)
}
