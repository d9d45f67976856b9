package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/memory"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// End reasons passed to the end hook.
const (
	ReasonEnded   = "ended"
	ReasonExpired = "expired"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	LastSeq        int64     `json:"last_seq"`
	LastTurnAt     time.Time `json:"last_turn_at,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// TurnLog is the durable turn history sessions resume from.
type TurnLog interface {
	LastTurn(ctx context.Context, sessionID string) (conversation.Turn, error)
}

type entry struct {
	s Session
	// lock holds one token while a request owns the session.
	lock   chan struct{}
	refs   int
	seeded bool
	// ended entries stay registered until their last lease is released so
	// a request arriving meanwhile still queues on the same lock.
	ended bool
}

type Options struct {
	InactivityTimeout time.Duration
	DefaultUserID     string
	Now               func() time.Time
}

// Manager tracks live sessions and serializes requests within each one.
type Manager struct {
	mu                sync.Mutex
	sessions          map[string]*entry
	log               TurnLog
	inactivityTimeout time.Duration
	defaultUserID     string
	now               func() time.Time
	onStart           func(Session)
	onEnd             func(Session, string)
}

func NewManager(log TurnLog, opts Options) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 30 * time.Minute
	}
	if opts.DefaultUserID == "" {
		opts.DefaultUserID = "owner"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		log:               log,
		inactivityTimeout: opts.InactivityTimeout,
		defaultUserID:     opts.DefaultUserID,
		now:               opts.Now,
	}
}

func (m *Manager) SetStartHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStart = hook
}

// SetEndHook registers a callback run after a session is ended or expires.
func (m *Manager) SetEndHook(hook func(Session, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create starts a fresh session with a new id.
func (m *Manager) Create(userID string) Session {
	m.mu.Lock()
	e := m.newEntryLocked(uuid.NewString(), userID)
	e.seeded = true
	s := e.s
	hook := m.onStart
	m.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return s
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.ended {
		return Session{}, ErrNotFound
	}
	return e.s, nil
}

// End closes a session. A request holding the session keeps running; the
// entry is forgotten once it is released.
func (m *Manager) End(sessionID string) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok || e.ended {
		m.mu.Unlock()
		return Session{}, ErrNotFound
	}
	e.ended = true
	if e.refs == 0 {
		delete(m.sessions, sessionID)
	}
	e.s.Status = StatusEnded
	e.s.LastActivityAt = m.now().UTC()
	s := e.s
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		hook(s, ReasonEnded)
	}
	return s, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.sessions {
		if !e.ended {
			n++
		}
	}
	return n
}

// Lease is exclusive ownership of a session for one request.
type Lease struct {
	m    *Manager
	e    *entry
	once sync.Once
}

// Acquire waits for the session's lock, resuming the session from the turn
// log when it is not live. userID is only used for sessions with no history.
func (m *Manager) Acquire(ctx context.Context, sessionID, userID string) (*Lease, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	started := !ok
	switch {
	case !ok:
		e = m.newEntryLocked(sessionID, userID)
	case e.ended:
		// Ended while still held: reopen it behind the current holder.
		e.ended = false
		e.s.Status = StatusActive
		e.s.StartedAt = m.now().UTC()
		started = true
	}
	e.refs++
	startHook := m.onStart
	m.mu.Unlock()

	if started && startHook != nil {
		startHook(e.s)
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		m.unref(e)
		return nil, ctx.Err()
	}

	l := &Lease{m: m, e: e}
	if !e.seeded {
		if err := m.seed(ctx, e); err != nil {
			l.Release()
			return nil, err
		}
	}
	m.mu.Lock()
	e.s.LastActivityAt = m.now().UTC()
	m.mu.Unlock()
	return l, nil
}

func (m *Manager) seed(ctx context.Context, e *entry) error {
	last, err := m.log.LastTurn(ctx, e.s.ID)
	if errors.Is(err, memory.ErrNotFound) {
		e.seeded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume session %s: %w", e.s.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.s.LastSeq = last.Seq
	e.s.LastTurnAt = last.CreatedAt
	if last.UserID != "" {
		e.s.UserID = last.UserID
	}
	e.seeded = true
	return nil
}

func (m *Manager) newEntryLocked(id, userID string) *entry {
	if userID == "" {
		userID = m.defaultUserID
	}
	now := m.now().UTC()
	e := &entry{
		s: Session{
			ID:             id,
			UserID:         userID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		lock: make(chan struct{}, 1),
	}
	m.sessions[id] = e
	return e
}

func (m *Manager) unref(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.ended && m.sessions[e.s.ID] == e {
		delete(m.sessions, e.s.ID)
	}
}

// Session returns the leased session's current state.
func (l *Lease) Session() Session {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.e.s
}

// NextTurn reserves the position of the next turn: the following seq and a
// timestamp never earlier than the previous turn's.
func (l *Lease) NextTurn() (int64, time.Time) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	at := l.m.now().UTC()
	if at.Before(l.e.s.LastTurnAt) {
		at = l.e.s.LastTurnAt
	}
	return l.e.s.LastSeq + 1, at
}

// Advance records a committed turn.
func (l *Lease) Advance(seq int64, at time.Time) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if seq > l.e.s.LastSeq {
		l.e.s.LastSeq = seq
		l.e.s.LastTurnAt = at
	}
	l.e.s.LastActivityAt = l.m.now().UTC()
}

// Release gives the session back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.e.lock
		l.m.unref(l.e)
	})
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := m.now().UTC()
	var expired []Session

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.refs > 0 || e.ended || now.Sub(e.s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		delete(m.sessions, id)
		e.s.Status = StatusEnded
		expired = append(expired, e.s)
	}
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s, ReasonExpired)
		}
	}
}
