package profile

import (
	"context"
	"sort"
	"sync"
	"time"
)

type InMemoryStore struct {
	mu    sync.Mutex
	facts map[string]map[string]Fact
	audit []AuditEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{facts: make(map[string]map[string]Fact)}
}

func (s *InMemoryStore) Upsert(ctx context.Context, f Fact) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validate(f); err != nil {
		return false, err
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.facts[f.UserID]
	if !ok {
		user = make(map[string]Fact)
		s.facts[f.UserID] = user
	}
	cur, exists := user[f.Key]
	applied := !exists || f.Confidence >= cur.Confidence
	if applied {
		user[f.Key] = f
	}
	s.audit = append(s.audit, AuditEntry{
		UserID: f.UserID, Key: f.Key, Value: f.Value, Confidence: f.Confidence,
		Provenance: f.Provenance, Applied: applied, At: f.UpdatedAt,
	})
	return applied, nil
}

func (s *InMemoryStore) GetAll(ctx context.Context, userID string) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fact, 0, len(s.facts[userID]))
	for _, f := range s.facts[userID] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) Erase(ctx context.Context, userID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[userID][key]; !ok {
		return ErrNotFound
	}
	delete(s.facts[userID], key)
	return nil
}

func (s *InMemoryStore) Audit(ctx context.Context, userID, key string) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, a := range s.audit {
		if a.UserID == userID && (key == "" || a.Key == key) {
			out = append(out, a)
		}
	}
	return out, nil
}
