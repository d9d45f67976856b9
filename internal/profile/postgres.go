package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Upsert(ctx context.Context, f Fact) (bool, error) {
	if err := validate(f); err != nil {
		return false, err
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO profile_facts (user_id, key, value, confidence, provenance, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, key) DO UPDATE SET
		   value = EXCLUDED.value,
		   confidence = EXCLUDED.confidence,
		   provenance = EXCLUDED.provenance,
		   updated_at = EXCLUDED.updated_at
		 WHERE profile_facts.confidence <= EXCLUDED.confidence`,
		f.UserID, f.Key, f.Value, f.Confidence, f.Provenance, f.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert fact: %w", err)
	}
	applied := tag.RowsAffected() > 0

	if _, err := tx.Exec(ctx,
		`INSERT INTO profile_audit (user_id, key, value, confidence, provenance, applied, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.UserID, f.Key, f.Value, f.Confidence, f.Provenance, applied, f.UpdatedAt); err != nil {
		return false, fmt.Errorf("audit fact: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return applied, nil
}

func (s *PostgresStore) GetAll(ctx context.Context, userID string) ([]Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, key, value, confidence, provenance, updated_at FROM profile_facts WHERE user_id = $1 ORDER BY key`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.UserID, &f.Key, &f.Value, &f.Confidence, &f.Provenance, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.UpdatedAt = f.UpdatedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Erase(ctx context.Context, userID, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profile_facts WHERE user_id = $1 AND key = $2`, userID, key)
	if err != nil {
		return fmt.Errorf("erase fact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Audit(ctx context.Context, userID, key string) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, key, value, confidence, provenance, applied, at FROM profile_audit
		 WHERE user_id = $1 AND ($2 = '' OR key = $2) ORDER BY id`,
		userID, key)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var a AuditEntry
		if err := rows.Scan(&a.UserID, &a.Key, &a.Value, &a.Confidence, &a.Provenance, &a.Applied, &a.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.At = a.At.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
