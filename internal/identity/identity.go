// Package identity supplies the stable visitor identifier that accompanies
// session starts. The orchestrator reads it; the telemetry side owns its
// meaning.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
)

// Provider yields a stable visitor identifier.
type Provider interface {
	VisitorID() (string, error)
}

// Static is a fixed-id provider for tests and embedding shells that manage
// identity themselves.
type Static string

func (s Static) VisitorID() (string, error) { return string(s), nil }

// FileProvider persists a generated UUID to disk so the id survives process
// restarts. The file holds the bare id and nothing else.
type FileProvider struct {
	path string

	mu     sync.Mutex
	cached string
}

// NewFileProvider creates a provider backed by the given file. An empty path
// defaults to ~/.acb/visitor-id.
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, ".acb", "visitor-id")
	}
	return &FileProvider{path: path}, nil
}

// VisitorID returns the persisted id, generating and storing a new one on
// first use. A file with unparseable content is replaced rather than
// propagated.
func (p *FileProvider) VisitorID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != "" {
		return p.cached, nil
	}

	if data, err := os.ReadFile(p.path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			p.cached = id
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return "", fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persisting visitor id: %w", err)
	}
	p.cached = id
	return id, nil
}
