package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/atom/internal/storage"
)

var ErrNotFound = errors.New("profile: fact not found")

// Fact is one thing known about a user. Keys are unique per user.
type Fact struct {
	UserID     string    `json:"user_id"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Provenance is the id of the turn the fact was learned from.
	Provenance string `json:"provenance,omitempty"`
}

// AuditEntry records one upsert attempt, applied or not.
type AuditEntry struct {
	UserID     string    `json:"user_id"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Provenance string    `json:"provenance,omitempty"`
	Applied    bool      `json:"applied"`
	At         time.Time `json:"at"`
}

// Store keeps user profile facts. Upsert is an atomic compare-and-write:
// a fact with equal or higher confidence replaces the stored one, a lower
// one is discarded. Every attempt is audited.
type Store interface {
	Upsert(ctx context.Context, fact Fact) (applied bool, err error)
	GetAll(ctx context.Context, userID string) ([]Fact, error)
	Erase(ctx context.Context, userID, key string) error
	Audit(ctx context.Context, userID, key string) ([]AuditEntry, error)
}

func NewStore(h *storage.Handle) (Store, error) {
	switch h.Backend {
	case storage.BackendMemory:
		return NewInMemoryStore(), nil
	case storage.BackendSQLite:
		return NewSQLiteStore(h.DB), nil
	case storage.BackendPostgres:
		return NewPostgresStore(h.Pool), nil
	default:
		return nil, fmt.Errorf("profile: unsupported backend %q", h.Backend)
	}
}

func validate(f Fact) error {
	if f.UserID == "" || f.Key == "" {
		return errors.New("profile: user id and key are required")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("profile: confidence %v out of [0,1]", f.Confidence)
	}
	return nil
}

// Describe renders a fact as prompt and memory text, "interest: chess" for
// the key "interest:chess".
func Describe(key, value string) string {
	label, _, _ := strings.Cut(key, ":")
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(label, "_", " "), value)
}
