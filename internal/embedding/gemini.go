package embedding

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	genaiopt "google.golang.org/api/option"
)

type Gemini struct {
	client *genai.Client
	model  string
	dim    int
}

func NewGemini(ctx context.Context, apiKey, model string, dim int) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini embedder: api key is required")
	}
	client, err := genai.NewClient(ctx, genaiopt.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(model) == "" {
		model = "text-embedding-004"
	}
	return &Gemini{client: client, model: model, dim: dim}, nil
}

func (e *Gemini) Dimensions() int { return e.dim }

func (e *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	rsp, err := e.client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if rsp.Embedding == nil {
		return nil, errors.New("gemini embedder: empty response")
	}
	return rsp.Embedding.Values, nil
}

func (e *Gemini) Close() error { return e.client.Close() }
