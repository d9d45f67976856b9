package provider

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/reliability"
	"github.com/antoniostano/atom/internal/tokenizer"
)

// perMessageOverhead approximates the role/separator tokens chat APIs add.
const perMessageOverhead = 4

// CountTokens sums the tokens of a message sequence, overhead included.
func CountTokens(counter tokenizer.Counter, messages []conversation.Message) int {
	total := 0
	for _, m := range messages {
		total += counter.Count(m.Content) + perMessageOverhead
	}
	return total
}

type inputLimited struct {
	Adapter
	max     int
	counter tokenizer.Counter
}

// WithInputLimit rejects inputs over maxTokens before anything is sent upstream.
func WithInputLimit(a Adapter, maxTokens int, counter tokenizer.Counter) Adapter {
	if counter == nil {
		counter = tokenizer.Heuristic{}
	}
	return &inputLimited{Adapter: a, max: maxTokens, counter: counter}
}

func (a *inputLimited) MaxInputTokens() int { return a.max }

func (a *inputLimited) Generate(ctx context.Context, messages []conversation.Message, params Params) (string, error) {
	if n := CountTokens(a.counter, messages); n > a.max {
		return "", reliability.Errorf(reliability.KindInputTooLarge, a.Name(), "input is %d tokens, limit %d", n, a.max)
	}
	return a.Adapter.Generate(ctx, messages, params)
}

type rateLimited struct {
	Adapter
	rpm     int
	limiter *rate.Limiter
}

// WithRateLimit enforces a requests-per-minute budget locally. Calls over
// budget fail immediately with a rate-limit error instead of blocking, so
// the orchestrator can move on to the next provider.
func WithRateLimit(a Adapter, requestsPerMinute int) Adapter {
	return &rateLimited{
		Adapter: a,
		rpm:     requestsPerMinute,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
	}
}

func (a *rateLimited) Generate(ctx context.Context, messages []conversation.Message, params Params) (string, error) {
	if !a.limiter.Allow() {
		return "", reliability.Errorf(reliability.KindRateLimit, a.Name(), "local budget of %d requests/minute exhausted", a.rpm)
	}
	return a.Adapter.Generate(ctx, messages, params)
}

func closeAdapter(a Adapter) error {
	if c, ok := a.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *inputLimited) Close() error { return closeAdapter(a.Adapter) }
func (a *rateLimited) Close() error  { return closeAdapter(a.Adapter) }
