package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/atom/internal/conversation"
)

// EchoAdapter gives deterministic local replies when no remote provider is
// configured. It never fails except on a cancelled context.
type EchoAdapter struct {
	name string
}

func NewEchoAdapter(name string) *EchoAdapter {
	if strings.TrimSpace(name) == "" {
		name = KindEcho
	}
	return &EchoAdapter{name: name}
}

func (a *EchoAdapter) Name() string        { return a.name }
func (a *EchoAdapter) MaxInputTokens() int { return 0 }

func (a *EchoAdapter) Generate(ctx context.Context, messages []conversation.Message, _ Params) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildEchoReply(messages), nil
}

func buildEchoReply(messages []conversation.Message) string {
	var base, remembered string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleUser {
			base = strings.TrimSpace(messages[i].Content)
			break
		}
	}
	if base == "" {
		base = "I am listening."
	}

	// Context arrives as system messages after the identity prompt, most
	// relevant last.
	for i := len(messages) - 1; i > 0; i-- {
		m := messages[i]
		if m.Role != conversation.RoleSystem {
			continue
		}
		if idx := strings.Index(m.Content, "- "); idx >= 0 {
			remembered, _, _ = strings.Cut(m.Content[idx+2:], "\n")
			remembered = strings.TrimSpace(remembered)
			break
		}
	}

	if remembered == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, remembered)
}
