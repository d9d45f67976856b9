package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

type Config struct {
	Provider  string
	Model     string
	Dim       int
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	CacheSize int
}

const (
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// New builds the configured embedder without caching; see NewCached.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dim)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderHash:
		return NewHash(cfg.Dim), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Dim)
	case ProviderGemini:
		return NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.Dim)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
