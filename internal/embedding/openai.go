package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

func NewOpenAI(apiKey, model, baseURL string, dim int) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai embedder: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = u
	}
	if strings.TrimSpace(model) == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, dim: dim}, nil
}

func (e *OpenAI) Dimensions() int { return e.dim }

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	rsp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, err
	}
	if len(rsp.Data) == 0 {
		return nil, fmt.Errorf("openai embedder: empty response")
	}
	return rsp.Data[0].Embedding, nil
}
