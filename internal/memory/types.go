package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/antoniostano/atom/internal/conversation"
)

var (
	ErrDuplicateID = errors.New("memory: duplicate id")
	ErrNotFound    = errors.New("memory: not found")
)

// SourceKind says what a record was derived from.
type SourceKind string

const (
	SourceTurn SourceKind = "turn"
	SourceFact SourceKind = "fact"
)

// Record is an embedded, immutable piece of long-term memory. The embedding
// is always computed from exactly Text. SourceID is the turn the record
// came from, for facts too.
type Record struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id"`
	Text       string     `json:"text"`
	Embedding  []float32  `json:"-"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   string     `json:"source_id"`
	CreatedAt  time.Time  `json:"created_at"`
	Importance float64    `json:"importance"`
}

// Match is a record with its cosine similarity to a query.
type Match struct {
	Record     Record  `json:"record"`
	Similarity float64 `json:"similarity"`
}

// Store is the append-only long-term memory and turn log.
type Store interface {
	// Commit persists a turn and its records atomically.
	Commit(ctx context.Context, turn conversation.Turn, records []Record) error
	// Nearest returns at most k records of userID by descending similarity,
	// newer first on ties. Records of soft-deleted turns are excluded.
	Nearest(ctx context.Context, userID string, query []float32, k int) ([]Match, error)
	// RecentTurns returns the last n live turns of a session, oldest first.
	RecentTurns(ctx context.Context, sessionID string, n int) ([]conversation.Turn, error)
	// LastTurn returns the session's highest-seq turn, deleted or not.
	LastTurn(ctx context.Context, sessionID string) (conversation.Turn, error)
	SoftDeleteTurn(ctx context.Context, sessionID, turnID string) error
	Close() error
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}

func validateCommit(turn conversation.Turn, records []Record) error {
	if turn.ID == "" || turn.SessionID == "" {
		return errors.New("memory: turn id and session id are required")
	}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if r.ID == "" {
			return errors.New("memory: record id is required")
		}
		if len(r.Embedding) == 0 {
			return errors.New("memory: record embedding is required")
		}
		if seen[r.ID] {
			return ErrDuplicateID
		}
		seen[r.ID] = true
	}
	return nil
}
