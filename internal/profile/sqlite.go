package profile

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Upsert(ctx context.Context, f Fact) (bool, error) {
	if err := validate(f); err != nil {
		return false, err
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO profile_facts (user_id, key, value, confidence, provenance, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET
		   value = excluded.value,
		   confidence = excluded.confidence,
		   provenance = excluded.provenance,
		   updated_at = excluded.updated_at
		 WHERE profile_facts.confidence <= excluded.confidence`,
		f.UserID, f.Key, f.Value, f.Confidence, f.Provenance, f.UpdatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("upsert fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert fact: %w", err)
	}
	applied := n > 0

	_, err = tx.ExecContext(ctx,
		`INSERT INTO profile_audit (user_id, key, value, confidence, provenance, applied, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.Key, f.Value, f.Confidence, f.Provenance, applied, f.UpdatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("audit fact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return applied, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, userID string) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, value, confidence, provenance, updated_at FROM profile_facts WHERE user_id = ? ORDER BY key`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var (
			f  Fact
			at int64
		)
		if err := rows.Scan(&f.UserID, &f.Key, &f.Value, &f.Confidence, &f.Provenance, &at); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.UpdatedAt = time.Unix(0, at).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Erase(ctx context.Context, userID, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profile_facts WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("erase fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Audit(ctx context.Context, userID, key string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, value, confidence, provenance, applied, at FROM profile_audit
		 WHERE user_id = ? AND (? = '' OR key = ?) ORDER BY id`,
		userID, key, key)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			a  AuditEntry
			at int64
		)
		if err := rows.Scan(&a.UserID, &a.Key, &a.Value, &a.Confidence, &a.Provenance, &a.Applied, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.At = time.Unix(0, at).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
