package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/antoniostano/atom/internal/observability"
	"github.com/antoniostano/atom/internal/reliability"
)

// Cached wraps an embedder with a bounded call timeout, a per-process
// cache keyed by exact text, and dimension checking. Failures surface as
// embedding_failure; the caller's own cancellation is returned as-is.
type Cached struct {
	inner   Embedder
	cache   *ristretto.Cache
	timeout time.Duration
	metrics *observability.Metrics
}

func NewCached(inner Embedder, size int, timeout time.Duration, metrics *observability.Metrics) (*Cached, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache, timeout: timeout, metrics: metrics}, nil
}

func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		c.metrics.ObserveEmbeddingCache(true)
		return append([]float32(nil), v.([]float32)...), nil
	}
	c.metrics.ObserveEmbeddingCache(false)

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	vec, err := c.inner.Embed(callCtx, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("no embedding within %s: %w", c.timeout, err)
		}
		return nil, reliability.New(reliability.KindEmbeddingFailure, "embedding", err)
	}
	if len(vec) != c.inner.Dimensions() {
		return nil, reliability.Errorf(reliability.KindEmbeddingFailure, "embedding",
			"got %d dimensions, want %d", len(vec), c.inner.Dimensions())
	}

	// The cache keeps its own copy; callers may modify what they get.
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until buffered cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

func (c *Cached) Close() error {
	c.cache.Close()
	if closer, ok := c.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
