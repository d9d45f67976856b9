package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	genaiopt "google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/reliability"
)

const defaultGeminiModel = "gemini-1.5-flash"

// GeminiAdapter talks to Google AI Studio. System messages become the system
// instruction; earlier user/assistant turns become chat history.
type GeminiAdapter struct {
	name   string
	model  string
	client *genai.Client
}

func NewGeminiAdapter(ctx context.Context, name, apiKey, model string) (*GeminiAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	client, err := genai.NewClient(ctx, genaiopt.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	return &GeminiAdapter{name: name, model: model, client: client}, nil
}

func (a *GeminiAdapter) Name() string        { return a.name }
func (a *GeminiAdapter) MaxInputTokens() int { return 0 }

func (a *GeminiAdapter) Close() error { return a.client.Close() }

func (a *GeminiAdapter) Generate(ctx context.Context, messages []conversation.Message, params Params) (string, error) {
	model := a.client.GenerativeModel(a.model)
	if sys := systemPrompt(messages); sys != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}
	if params.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(params.MaxTokens))
	}
	model.SetTemperature(float32(params.Temperature))
	if len(params.StopSequences) > 0 {
		model.StopSequences = params.StopSequences
	}

	dlg := dialogue(messages)
	if len(dlg) == 0 || dlg[len(dlg)-1].Role != conversation.RoleUser {
		return "", reliability.Errorf(reliability.KindMalformedRequest, a.name, "last message must come from the user")
	}
	cs := model.StartChat()
	for _, m := range dlg[:len(dlg)-1] {
		role := "user"
		if m.Role == conversation.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	rsp, err := cs.SendMessage(ctx, genai.Text(dlg[len(dlg)-1].Content))
	if err != nil {
		return "", classifyGeminiError(a.name, err)
	}
	if len(rsp.Candidates) == 0 || rsp.Candidates[0].Content == nil {
		return "", reliability.Errorf(reliability.KindTransientNetwork, a.name, "empty response")
	}

	var b strings.Builder
	for _, part := range rsp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", reliability.Errorf(reliability.KindTransientNetwork, a.name, "empty response")
	}
	return b.String(), nil
}

func classifyGeminiError(source string, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return reliability.New(reliability.KindMalformedRequest, source, err)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if kind, ok := reliability.ClassifyHTTPStatus(gErr.Code); ok {
			return reliability.New(kind, source, err)
		}
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return reliability.New(kindFromGRPC(st.Code()), source, err)
	}
	return reliability.New(reliability.ClassifyTransportError(err), source, err)
}

func kindFromGRPC(code codes.Code) reliability.Kind {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return reliability.KindAuthentication
	case codes.ResourceExhausted:
		return reliability.KindRateLimit
	case codes.DeadlineExceeded:
		return reliability.KindTimeout
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound:
		return reliability.KindMalformedRequest
	case codes.OutOfRange:
		return reliability.KindInputTooLarge
	default:
		return reliability.KindTransientNetwork
	}
}
