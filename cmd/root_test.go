package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weblight/acb/internal/observability"
)

// execute runs a fresh command tree with global viper and logger state
// isolated per test.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	observability.ResetForTest()
	t.Cleanup(viper.Reset)
	t.Cleanup(observability.ResetForTest)
	t.Setenv("ACB_LOGGER_LOG_FILE", filepath.Join(t.TempDir(), "acb.log"))

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version, strings.TrimSpace(out))
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version, strings.TrimSpace(out))
}

func TestRunRequiresPrompt(t *testing.T) {
	_, err := execute(t, "run", "https://shop.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt")
}

func TestRunRequiresRemoteURL(t *testing.T) {
	_, err := execute(t, "run", "https://shop.example", "--prompt", "buy socks")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.base_url")
}

func TestRunRejectsInvalidMode(t *testing.T) {
	_, err := execute(t, "run", "https://shop.example",
		"--prompt", "buy socks",
		"--remote-url", "https://agent.example",
		"--mode", "observe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestRunRequiresURLArgument(t *testing.T) {
	_, err := execute(t, "run", "--prompt", "buy socks")
	require.Error(t, err)
}

func TestFlagOverridesReachConfig(t *testing.T) {
	viper.Reset()
	observability.ResetForTest()
	t.Cleanup(viper.Reset)
	t.Cleanup(observability.ResetForTest)
	t.Setenv("ACB_LOGGER_LOG_FILE", filepath.Join(t.TempDir(), "acb.log"))

	root := NewRootCommand()
	root.SetArgs([]string{"run", "https://shop.example",
		"--prompt", "buy socks",
		"--remote-url", "https://agent.example",
		"--org", "org-7",
		"--mode", "bogus"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	// The bogus mode stops RunE after config resolution, which is all this
	// test needs.
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)

	assert.Equal(t, "https://agent.example", viper.GetString("remote.base_url"))
	assert.Equal(t, "org-7", viper.GetString("remote.org_id"))
}

func TestCommandTreeShape(t *testing.T) {
	root := NewRootCommand()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "version")
}
