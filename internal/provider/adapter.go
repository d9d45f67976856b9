package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/tokenizer"
)

// Params are the generation knobs every adapter honors.
type Params struct {
	MaxTokens     int
	Temperature   float64
	StopSequences []string
}

// Adapter normalizes one remote text-generation service. Implementations
// hold no per-conversation state between calls and report every upstream
// failure as a *reliability.Error.
type Adapter interface {
	Name() string
	// MaxInputTokens is the largest accepted input; 0 means unbounded.
	MaxInputTokens() int
	Generate(ctx context.Context, messages []conversation.Message, params Params) (string, error)
}

// Config describes one configured provider.
type Config struct {
	Name              string `toml:"name"`
	Kind              string `toml:"kind"`
	Priority          int    `toml:"priority"`
	APIKeyEnv         string `toml:"api_key_env"`
	APIKey            string `toml:"-"`
	Model             string `toml:"model"`
	BaseURL           string `toml:"base_url"`
	TimeoutMS         int    `toml:"timeout_ms"`
	MaxInputTokens    int    `toml:"max_input_tokens"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
	KindHTTP      = "http"
	KindEcho      = "echo"
)

// NewAdapter builds the adapter for cfg.Kind, wrapped with the input-size
// guard and the local rate limiter when configured.
func NewAdapter(ctx context.Context, cfg Config, counter tokenizer.Counter) (Adapter, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("provider name is required")
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = name
	}

	var (
		a   Adapter
		err error
	)
	switch kind {
	case KindOpenAI:
		a, err = NewOpenAIAdapter(name, cfg.APIKey, cfg.Model, cfg.BaseURL)
	case KindAnthropic:
		a, err = NewAnthropicAdapter(name, cfg.APIKey, cfg.Model, cfg.BaseURL)
	case KindGemini:
		a, err = NewGeminiAdapter(ctx, name, cfg.APIKey, cfg.Model)
	case KindHTTP:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("provider %q: base_url is required for http kind", name)
		}
		a = NewHTTPAdapter(name, cfg.BaseURL, cfg.Model, cfg.APIKey)
	case KindEcho:
		a = NewEchoAdapter(name)
	default:
		return nil, fmt.Errorf("provider %q: unsupported kind %q", name, cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}

	if cfg.MaxInputTokens > 0 {
		a = WithInputLimit(a, cfg.MaxInputTokens, counter)
	}
	if cfg.RequestsPerMinute > 0 {
		a = WithRateLimit(a, cfg.RequestsPerMinute)
	}
	return a, nil
}

// systemPrompt concatenates every system message, for APIs that take the
// system prompt out of band.
func systemPrompt(messages []conversation.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == conversation.RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// dialogue returns the user/assistant messages in order.
func dialogue(messages []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == conversation.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
