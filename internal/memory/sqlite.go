package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/embedding"
	"github.com/antoniostano/atom/internal/storage"
)

// SQLiteStore keeps the turn log and records in SQLite. Embeddings are
// stored as JSON and searched with an exact in-process cosine scan.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const turnColumns = `id, session_id, user_id, seq, user_content, user_at, assistant_content, assistant_at, provider, created_at, deleted_at`

func (s *SQLiteStore) Commit(ctx context.Context, turn conversation.Turn, records []Record) error {
	if err := validateCommit(turn, records); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		turn.ID, turn.SessionID, turn.UserID, turn.Seq,
		turn.User.Content, turn.User.Timestamp.UnixNano(),
		turn.Assistant.Content, turn.Assistant.Timestamp.UnixNano(),
		turn.Provider, turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert turn: %w", err)
	}

	for _, r := range records {
		vec, err := json.Marshal(r.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_records (id, user_id, session_id, text, embedding, source_kind, source_id, importance, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.UserID, r.SessionID, r.Text, string(vec), string(r.SourceKind), r.SourceID, r.Importance, r.CreatedAt.UnixNano(),
		)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return ErrDuplicateID
			}
			return fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Nearest(ctx context.Context, userID string, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.user_id, r.session_id, r.text, r.embedding, r.source_kind, r.source_id, r.importance, r.created_at
		 FROM memory_records r JOIN turns t ON t.id = r.source_id
		 WHERE r.user_id = ? AND t.deleted_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			r         Record
			vec, kind string
			created   int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Text, &vec, &kind, &r.SourceID, &r.Importance, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(vec), &r.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of %s: %w", r.ID, err)
		}
		r.SourceKind = SourceKind(kind)
		r.CreatedAt = time.Unix(0, created).UTC()
		matches = append(matches, Match{Record: r, Similarity: embedding.Cosine(query, r.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]conversation.Turn, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE session_id = ? AND deleted_at IS NULL ORDER BY seq DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var out []conversation.Turn
	for rows.Next() {
		t, err := scanSQLiteTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) LastTurn(ctx context.Context, sessionID string) (conversation.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
	t, err := scanSQLiteTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Turn{}, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) SoftDeleteTurn(ctx context.Context, sessionID, turnID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET deleted_at = COALESCE(deleted_at, ?) WHERE id = ? AND session_id = ?`,
		time.Now().UTC().UnixNano(), turnID, sessionID)
	if err != nil {
		return fmt.Errorf("soft delete turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the storage handle owns the connection.
func (s *SQLiteStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTurn(row rowScanner) (conversation.Turn, error) {
	var (
		t                    conversation.Turn
		userAt, asstAt, made int64
		deleted              sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Seq,
		&t.User.Content, &userAt, &t.Assistant.Content, &asstAt,
		&t.Provider, &made, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan turn: %w", err)
	}
	t.User.Role = conversation.RoleUser
	t.User.Timestamp = time.Unix(0, userAt).UTC()
	t.Assistant.Role = conversation.RoleAssistant
	t.Assistant.Timestamp = time.Unix(0, asstAt).UTC()
	t.CreatedAt = time.Unix(0, made).UTC()
	if deleted.Valid {
		d := time.Unix(0, deleted.Int64).UTC()
		t.DeletedAt = &d
	}
	return t, nil
}
