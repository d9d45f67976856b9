package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend      string
	SQLitePath   string
	DatabaseURL  string
	EmbeddingDim int
}

// Handle is an open durable backend shared by the memory and profile stores.
// Exactly one of DB or Pool is set, except for the memory backend where
// neither is.
type Handle struct {
	Backend string
	DB      *sql.DB
	Pool    *pgxpool.Pool
}

// Open connects to the configured backend and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case BackendMemory:
		return &Handle{Backend: BackendMemory}, nil
	case "", BackendSQLite:
		db, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Handle{Backend: BackendSQLite, DB: db}, nil
	case BackendPostgres:
		pool, err := OpenPostgres(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		return &Handle{Backend: BackendPostgres, Pool: pool}, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

func (h *Handle) Ping(ctx context.Context) error {
	switch {
	case h == nil:
		return nil
	case h.DB != nil:
		return h.DB.PingContext(ctx)
	case h.Pool != nil:
		return h.Pool.Ping(ctx)
	default:
		return nil
	}
}

func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	if h.Pool != nil {
		h.Pool.Close()
	}
	if h.DB != nil {
		return h.DB.Close()
	}
	return nil
}
