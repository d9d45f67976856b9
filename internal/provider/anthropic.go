package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/reliability"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicAdapter speaks the Messages API. System messages are folded into
// the top-level system prompt.
type AnthropicAdapter struct {
	name   string
	model  string
	client anthropic.Client
}

func NewAnthropicAdapter(name, apiKey, model, baseURL string) (*AnthropicAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	// The orchestrator owns retry policy.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if u := strings.TrimSpace(baseURL); u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	if strings.TrimSpace(model) == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicAdapter{
		name:   name,
		model:  model,
		client: anthropic.NewClient(opts...),
	}, nil
}

func (a *AnthropicAdapter) Name() string        { return a.name }
func (a *AnthropicAdapter) MaxInputTokens() int { return 0 }

func (a *AnthropicAdapter) Generate(ctx context.Context, messages []conversation.Message, params Params) (string, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(params.Temperature),
	}
	if sys := systemPrompt(messages); sys != "" {
		req.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if len(params.StopSequences) > 0 {
		req.StopSequences = params.StopSequences
	}
	for _, m := range dialogue(messages) {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == conversation.RoleAssistant {
			req.Messages = append(req.Messages, anthropic.NewAssistantMessage(block))
		} else {
			req.Messages = append(req.Messages, anthropic.NewUserMessage(block))
		}
	}
	if len(req.Messages) == 0 {
		return "", reliability.Errorf(reliability.KindMalformedRequest, a.name, "no user message")
	}

	rsp, err := a.client.Messages.New(ctx, req)
	if err != nil {
		return "", classifyAnthropicError(a.name, err)
	}

	var b strings.Builder
	for _, block := range rsp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", reliability.Errorf(reliability.KindTransientNetwork, a.name, "empty response")
	}
	return b.String(), nil
}

func classifyAnthropicError(source string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if kind, ok := reliability.ClassifyHTTPStatus(apiErr.StatusCode); ok {
			return reliability.New(kind, source, err)
		}
	}
	return reliability.New(reliability.ClassifyTransportError(err), source, err)
}
