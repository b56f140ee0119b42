package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Scope is a private temp directory for one unit of work. Every file created
// through it is removed by Cleanup.
type Scope struct {
	dir  string
	once sync.Once
}

// NewScope creates a fresh directory under base.
func NewScope(base, prefix string) (*Scope, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("media dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("scope dir: %w", err)
	}
	return &Scope{dir: dir}, nil
}

// Dir returns the scope directory.
func (s *Scope) Dir() string { return s.dir }

// Path returns a new unique file path inside the scope with the given extension.
func (s *Scope) Path(ext string) string {
	return filepath.Join(s.dir, uuid.NewString()+ext)
}

// Cleanup deletes the scope. Safe to call more than once.
func (s *Scope) Cleanup() {
	s.once.Do(func() {
		_ = os.RemoveAll(s.dir)
	})
}

// Swap returns path with its extension replaced by ext.
func Swap(path, ext string) string {
	return path[:len(path)-len(filepath.Ext(path))] + ext
}
