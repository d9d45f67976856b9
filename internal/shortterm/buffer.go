package shortterm

import (
	"context"
	"sync"

	"github.com/antoniostano/atom/internal/conversation"
)

// TurnSource rehydrates a session's recent turns, oldest first.
type TurnSource interface {
	RecentTurns(ctx context.Context, sessionID string, n int) ([]conversation.Turn, error)
}

// Buffer holds the last N turns of every active session in memory. A
// session is loaded from the source on first use and again after Drop.
type Buffer struct {
	capacity int
	source   TurnSource

	mu    sync.Mutex
	rings map[string]*ring
}

func New(capacity int, source TurnSource) *Buffer {
	if capacity <= 0 {
		capacity = 10
	}
	return &Buffer{capacity: capacity, source: source, rings: make(map[string]*ring)}
}

func (b *Buffer) Capacity() int { return b.capacity }

// Turns returns the session's buffered turns in chronological order.
func (b *Buffer) Turns(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	r := b.ring(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := b.load(ctx, sessionID, r); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Append adds a turn, evicting the oldest when full. A turn already present
// (by id) is not added twice.
func (b *Buffer) Append(ctx context.Context, turn conversation.Turn) error {
	r := b.ring(turn.SessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := b.load(ctx, turn.SessionID, r); err != nil {
		return err
	}
	r.push(turn)
	return nil
}

// Drop forgets a session; the next access rehydrates it.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, sessionID)
}

// Len reports how many sessions are resident.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rings)
}

func (b *Buffer) ring(sessionID string) *ring {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[sessionID]
	if !ok {
		r = &ring{items: make([]conversation.Turn, b.capacity)}
		b.rings[sessionID] = r
	}
	return r
}

func (b *Buffer) load(ctx context.Context, sessionID string, r *ring) error {
	if r.loaded {
		return nil
	}
	if b.source != nil {
		turns, err := b.source.RecentTurns(ctx, sessionID, b.capacity)
		if err != nil {
			return err
		}
		for _, t := range turns {
			r.push(t)
		}
	}
	r.loaded = true
	return nil
}

// ring is a fixed-capacity FIFO of turns.
type ring struct {
	mu     sync.Mutex
	loaded bool
	items  []conversation.Turn
	start  int
	count  int
}

func (r *ring) push(t conversation.Turn) {
	for i := 0; i < r.count; i++ {
		if r.items[(r.start+i)%len(r.items)].ID == t.ID && t.ID != "" {
			return
		}
	}
	if r.count < len(r.items) {
		r.items[(r.start+r.count)%len(r.items)] = t
		r.count++
		return
	}
	r.items[r.start] = t
	r.start = (r.start + 1) % len(r.items)
}

func (r *ring) snapshot() []conversation.Turn {
	out := make([]conversation.Turn, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}
