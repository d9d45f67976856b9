package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func postgresSchema(dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			user_content TEXT NOT NULL,
			user_at TIMESTAMPTZ NOT NULL,
			assistant_content TEXT NOT NULL,
			assistant_at TIMESTAMPTZ NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ,
			UNIQUE (session_id, seq)
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			source_kind TEXT NOT NULL,
			source_id TEXT NOT NULL REFERENCES turns (id),
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS profile_facts (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			provenance TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS profile_audit (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			provenance TEXT NOT NULL DEFAULT '',
			applied BOOLEAN NOT NULL,
			at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_profile_audit_user_key ON profile_audit (user_id, key, id);`,
	}
}

func OpenPostgres(ctx context.Context, databaseURL string, dim int) (*pgxpool.Pool, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	for _, stmt := range postgresSchema(dim) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return pool, nil
}

// IsPgUniqueViolation reports a Postgres unique_violation (23505).
func IsPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
