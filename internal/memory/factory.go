package memory

import (
	"fmt"

	"github.com/antoniostano/atom/internal/storage"
)

// NewStore returns the long-term store for an open storage handle.
func NewStore(h *storage.Handle) (Store, error) {
	switch h.Backend {
	case storage.BackendMemory:
		return NewInMemoryStore(), nil
	case storage.BackendSQLite:
		return NewSQLiteStore(h.DB), nil
	case storage.BackendPostgres:
		return NewPostgresStore(h.Pool), nil
	default:
		return nil, fmt.Errorf("memory: unsupported backend %q", h.Backend)
	}
}
