package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		user_content TEXT NOT NULL,
		user_at INTEGER NOT NULL,
		assistant_content TEXT NOT NULL,
		assistant_at INTEGER NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		deleted_at INTEGER,
		UNIQUE (session_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source_id TEXT NOT NULL REFERENCES turns (id),
		importance REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records (user_id)`,
	`CREATE TABLE IF NOT EXISTS profile_facts (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL,
		provenance TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS profile_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL,
		provenance TEXT NOT NULL DEFAULT '',
		applied INTEGER NOT NULL,
		at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profile_audit_user_key ON profile_audit (user_id, key, id)`,
}

// OpenSQLite opens (creating if needed) a SQLite database file. A single
// connection serializes writers so concurrent sessions never hit SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a SQLite primary-key or unique
// constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
