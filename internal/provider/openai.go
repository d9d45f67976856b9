package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/reliability"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIAdapter speaks the Chat Completions API. It also serves
// OpenAI-compatible services (Groq, Cerebras) through a custom base URL.
type OpenAIAdapter struct {
	name   string
	model  string
	client *openai.Client
}

func NewOpenAIAdapter(name, apiKey, model, baseURL string) (*OpenAIAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = u
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAdapter{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

func (a *OpenAIAdapter) Name() string        { return a.name }
func (a *OpenAIAdapter) MaxInputTokens() int { return 0 }

func (a *OpenAIAdapter) Generate(ctx context.Context, messages []conversation.Message, params Params) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.model,
		MaxTokens:   params.MaxTokens,
		Temperature: float32(params.Temperature),
		Stop:        params.StopSequences,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}

	rsp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(a.name, err)
	}
	if len(rsp.Choices) == 0 || strings.TrimSpace(rsp.Choices[0].Message.Content) == "" {
		return "", reliability.Errorf(reliability.KindTransientNetwork, a.name, "empty response")
	}
	return rsp.Choices[0].Message.Content, nil
}

func openAIRole(r conversation.Role) string {
	switch r {
	case conversation.RoleSystem:
		return openai.ChatMessageRoleSystem
	case conversation.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func classifyOpenAIError(source string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		if kind, ok := reliability.ClassifyHTTPStatus(apiErr.HTTPStatusCode); ok {
			return reliability.New(kind, source, err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		if kind, ok := reliability.ClassifyHTTPStatus(reqErr.HTTPStatusCode); ok {
			return reliability.New(kind, source, err)
		}
	}
	return reliability.New(reliability.ClassifyTransportError(err), source, err)
}
