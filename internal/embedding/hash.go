package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hash is a local, dependency-free embedder. Each lowercased word seeds a
// pseudo-random unit direction; a text embeds as the normalized sum of its
// words, so texts sharing words land close together.
type Hash struct {
	dim int
}

func NewHash(dim int) *Hash { return &Hash{dim: dim} }

func (h *Hash) Dimensions() int { return h.dim }

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		seed := f.Sum64()
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return normalize(vec), nil
}
