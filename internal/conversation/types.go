package conversation

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single immutable unit of a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// Turn is one user/assistant exchange owned by a session.
type Turn struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	Seq       int64      `json:"seq"`
	User      Message    `json:"user"`
	Assistant Message    `json:"assistant"`
	Provider  string     `json:"provider,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the turn was soft-deleted.
func (t Turn) Deleted() bool {
	return t.DeletedAt != nil
}

// Transcript renders the exchange the way it is embedded and injected as context.
func (t Turn) Transcript(assistantName string) string {
	if strings.TrimSpace(assistantName) == "" {
		assistantName = "Assistant"
	}
	return fmt.Sprintf("User: %s\n%s: %s", t.User.Content, assistantName, t.Assistant.Content)
}

// Source says which memory tier a context item came from.
type Source string

const (
	SourceProfile   Source = "profile"
	SourceLongTerm  Source = "long_term"
	SourceShortTerm Source = "short_term"
)

// ContextItem is one piece of retrieved context with its relevance score.
type ContextItem struct {
	Source Source  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	// RefID is the turn, record or profile key the item was built from.
	RefID string `json:"ref_id,omitempty"`
}
