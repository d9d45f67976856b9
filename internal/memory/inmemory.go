package memory

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/embedding"
)

// InMemoryStore is a process-local store for development and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	turns   map[string]*conversation.Turn
	session map[string][]*conversation.Turn
	records map[string][]Record
	ids     map[string]bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:   make(map[string]*conversation.Turn),
		session: make(map[string][]*conversation.Turn),
		records: make(map[string][]Record),
		ids:     make(map[string]bool),
	}
}

func (s *InMemoryStore) Commit(ctx context.Context, turn conversation.Turn, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateCommit(turn, records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[turn.ID]; ok {
		return ErrDuplicateID
	}
	for _, r := range records {
		if s.ids[r.ID] {
			return ErrDuplicateID
		}
	}
	for _, t := range s.session[turn.SessionID] {
		if t.Seq == turn.Seq {
			return ErrDuplicateID
		}
	}

	t := turn
	s.turns[t.ID] = &t
	s.session[t.SessionID] = append(s.session[t.SessionID], &t)
	for _, r := range records {
		r.Embedding = append([]float32(nil), r.Embedding...)
		s.records[r.UserID] = append(s.records[r.UserID], r)
		s.ids[r.ID] = true
	}
	return nil
}

func (s *InMemoryStore) Nearest(ctx context.Context, userID string, query []float32, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.records[userID]))
	for _, r := range s.records[userID] {
		if t, ok := s.turns[r.SourceID]; ok && t.Deleted() {
			continue
		}
		matches = append(matches, Match{Record: r, Similarity: embedding.Cosine(query, r.Embedding)})
	}
	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *InMemoryStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []conversation.Turn
	all := s.session[sessionID]
	for i := len(all) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if !all[i].Deleted() {
			out = append(out, *all[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *InMemoryStore) LastTurn(ctx context.Context, sessionID string) (conversation.Turn, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Turn{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.session[sessionID]
	if len(all) == 0 {
		return conversation.Turn{}, ErrNotFound
	}
	return *all[len(all)-1], nil
}

func (s *InMemoryStore) SoftDeleteTurn(ctx context.Context, sessionID, turnID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok || t.SessionID != sessionID {
		return ErrNotFound
	}
	if t.DeletedAt == nil {
		now := time.Now().UTC()
		t.DeletedAt = &now
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
