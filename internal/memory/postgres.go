package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/storage"
)

// PostgresStore persists long-term memory in PostgreSQL with pgvector
// cosine ordering.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Commit(ctx context.Context, turn conversation.Turn, records []Record) error {
	if err := validateCommit(turn, records); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO turns (`+turnColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`,
		turn.ID, turn.SessionID, turn.UserID, turn.Seq,
		turn.User.Content, turn.User.Timestamp,
		turn.Assistant.Content, turn.Assistant.Timestamp,
		turn.Provider, turn.CreatedAt,
	)
	if err != nil {
		if storage.IsPgUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert turn: %w", err)
	}

	for _, r := range records {
		_, err = tx.Exec(ctx,
			`INSERT INTO memory_records (id, user_id, session_id, text, embedding, source_kind, source_id, importance, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.UserID, r.SessionID, r.Text, pgvector.NewVector(r.Embedding),
			string(r.SourceKind), r.SourceID, r.Importance, r.CreatedAt,
		)
		if err != nil {
			if storage.IsPgUniqueViolation(err) {
				return ErrDuplicateID
			}
			return fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Nearest(ctx context.Context, userID string, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.user_id, r.session_id, r.text, r.embedding::text, r.source_kind, r.source_id,
		        r.importance, r.created_at, 1 - (r.embedding <=> $2) AS similarity
		 FROM memory_records r JOIN turns t ON t.id = r.source_id
		 WHERE r.user_id = $1 AND t.deleted_at IS NULL
		 ORDER BY r.embedding <=> $2, r.created_at DESC, r.id
		 LIMIT $3`,
		userID, pgvector.NewVector(query), k,
	)
	if err != nil {
		return nil, fmt.Errorf("query nearest: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, k)
	for rows.Next() {
		var (
			m         Match
			vec, kind string
		)
		if err := rows.Scan(&m.Record.ID, &m.Record.UserID, &m.Record.SessionID, &m.Record.Text, &vec,
			&kind, &m.Record.SourceID, &m.Record.Importance, &m.Record.CreatedAt, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan nearest row: %w", err)
		}
		var v pgvector.Vector
		if err := v.Scan(vec); err != nil {
			return nil, fmt.Errorf("decode embedding of %s: %w", m.Record.ID, err)
		}
		m.Record.Embedding = v.Slice()
		m.Record.SourceKind = SourceKind(kind)
		m.Record.CreatedAt = m.Record.CreatedAt.UTC()
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest rows: %w", err)
	}
	// Float rounding in the database can disagree with exact ties.
	sortMatches(matches)
	return matches, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]conversation.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE session_id = $1 AND deleted_at IS NULL ORDER BY seq DESC`
	args := []any{sessionID}
	if n > 0 {
		query += ` LIMIT $2`
		args = append(args, n)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var out []conversation.Turn
	for rows.Next() {
		t, err := scanPgTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) LastTurn(ctx context.Context, sessionID string) (conversation.Turn, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE session_id = $1 ORDER BY seq DESC LIMIT 1`, sessionID)
	t, err := scanPgTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Turn{}, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) SoftDeleteTurn(ctx context.Context, sessionID, turnID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE turns SET deleted_at = COALESCE(deleted_at, $1) WHERE id = $2 AND session_id = $3`,
		time.Now().UTC(), turnID, sessionID)
	if err != nil {
		return fmt.Errorf("soft delete turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the storage handle owns the pool.
func (s *PostgresStore) Close() error { return nil }

func scanPgTurn(row pgx.Row) (conversation.Turn, error) {
	var t conversation.Turn
	err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Seq,
		&t.User.Content, &t.User.Timestamp, &t.Assistant.Content, &t.Assistant.Timestamp,
		&t.Provider, &t.CreatedAt, &t.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan turn: %w", err)
	}
	t.User.Role = conversation.RoleUser
	t.Assistant.Role = conversation.RoleAssistant
	t.User.Timestamp = t.User.Timestamp.UTC()
	t.Assistant.Timestamp = t.Assistant.Timestamp.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
