package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/reliability"
	"github.com/antoniostano/atom/internal/tokenizer"
)

type stubAdapter struct {
	name  string
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) (string, error)
}

func (a *stubAdapter) Name() string        { return a.name }
func (a *stubAdapter) MaxInputTokens() int { return 0 }

func (a *stubAdapter) Generate(ctx context.Context, _ []conversation.Message, _ Params) (string, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.fn(ctx)
}

func (a *stubAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func replying(name, text string) *stubAdapter {
	return &stubAdapter{name: name, fn: func(context.Context) (string, error) { return text, nil }}
}

func failing(name string, kind reliability.Kind) *stubAdapter {
	return &stubAdapter{name: name, fn: func(context.Context) (string, error) {
		return "", reliability.Errorf(kind, name, "scripted failure")
	}}
}

// hanging blocks until its context ends, like an upstream that never answers.
func hanging(name string) *stubAdapter {
	return &stubAdapter{name: name, fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func userMessages(text string) []conversation.Message {
	return []conversation.Message{
		conversation.NewMessage(conversation.RoleSystem, "You are Atom."),
		conversation.NewMessage(conversation.RoleUser, text),
	}
}

func descriptor(t *testing.T, o *Orchestrator, name string) Descriptor {
	t.Helper()
	for _, d := range o.Descriptors() {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("descriptor %q not found", name)
	return Descriptor{}
}

func TestOrchestratorFallsBackAfterTimeout(t *testing.T) {
	a := hanging("a")
	b := replying("b", "hello")
	o, err := NewOrchestrator([]Member{
		{Adapter: a, Priority: 1, Timeout: 20 * time.Millisecond},
		{Adapter: b, Priority: 2},
	}, Options{FailureThreshold: 3})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	res, err := o.Generate(context.Background(), userMessages("hi"), Params{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "hello" || res.Provider != "b" {
		t.Fatalf("result = %+v, want hello from b", res)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Kind != reliability.KindTimeout {
		t.Fatalf("attempts = %+v, want one timeout", res.Attempts)
	}

	da := descriptor(t, o, "a")
	if da.ConsecutiveFailures != 1 || da.Health != HealthClosed {
		t.Fatalf("a = %+v, want 1 failure and closed", da)
	}
	if da.LastFailureAt == nil {
		t.Fatalf("a.LastFailureAt should be set")
	}
	if db := descriptor(t, o, "b"); db.ConsecutiveFailures != 0 || db.Health != HealthClosed {
		t.Fatalf("b = %+v, want healthy", db)
	}
}

func TestOrchestratorExhaustedListsEveryFailure(t *testing.T) {
	o, err := NewOrchestrator([]Member{
		{Adapter: failing("a", reliability.KindTimeout), Priority: 1},
		{Adapter: failing("b", reliability.KindRateLimit), Priority: 2},
	}, Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	_, err = o.Generate(context.Background(), userMessages("hi"), Params{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if !errors.Is(err, reliability.ErrExhausted) {
		t.Fatalf("errors.Is(err, ErrExhausted) = false")
	}
	want := []Attempt{{Provider: "a", Kind: reliability.KindTimeout}, {Provider: "b", Kind: reliability.KindRateLimit}}
	if len(exhausted.Attempts) != len(want) {
		t.Fatalf("attempts = %+v, want %+v", exhausted.Attempts, want)
	}
	for i, w := range want {
		got := exhausted.Attempts[i]
		if got.Provider != w.Provider || got.Kind != w.Kind || got.Skipped {
			t.Fatalf("attempt[%d] = %+v, want %+v", i, got, w)
		}
	}
}

func TestOrchestratorCircuitOpensThenProbesOnce(t *testing.T) {
	clock := newFakeClock()
	a := failing("a", reliability.KindTransientNetwork)
	b := replying("b", "from b")
	o, err := NewOrchestrator([]Member{
		{Adapter: a, Priority: 1},
		{Adapter: b, Priority: 2},
	}, Options{FailureThreshold: 2, Cooldown: time.Minute, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := o.Generate(ctx, userMessages("hi"), Params{}); err != nil {
			t.Fatalf("Generate() #%d error = %v", i, err)
		}
	}
	if d := descriptor(t, o, "a"); d.Health != HealthOpen {
		t.Fatalf("a.Health = %s, want open", d.Health)
	}

	res, err := o.Generate(ctx, userMessages("hi"), Params{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if a.Calls() != 2 {
		t.Fatalf("a.calls = %d, want 2 while open", a.Calls())
	}
	if len(res.Attempts) != 1 || !res.Attempts[0].Skipped {
		t.Fatalf("attempts = %+v, want a skipped", res.Attempts)
	}

	clock.Advance(time.Minute + time.Second)
	if _, err := o.Generate(ctx, userMessages("hi"), Params{}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if a.Calls() != 3 {
		t.Fatalf("a.calls = %d, want exactly one probe", a.Calls())
	}
	if d := descriptor(t, o, "a"); d.Health != HealthOpen {
		t.Fatalf("failed probe should reopen, health = %s", d.Health)
	}

	a.fn = func(context.Context) (string, error) { return "a is back", nil }
	clock.Advance(time.Minute + time.Second)
	res, err = o.Generate(ctx, userMessages("hi"), Params{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "a" {
		t.Fatalf("provider = %q, want a after successful probe", res.Provider)
	}
	if d := descriptor(t, o, "a"); d.Health != HealthClosed || d.ConsecutiveFailures != 0 {
		t.Fatalf("a = %+v, want closed and reset", d)
	}
}

func TestCircuitHalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Now()
	c := newCircuit(1, time.Second)
	c.fail(reliability.KindTimeout, now)
	if c.acquire(now) {
		t.Fatalf("open circuit should refuse before cooldown")
	}
	later := now.Add(2 * time.Second)
	if !c.acquire(later) {
		t.Fatalf("first caller after cooldown should probe")
	}
	if c.acquire(later) {
		t.Fatalf("second caller must not probe concurrently")
	}
	c.release()
	if !c.acquire(later) {
		t.Fatalf("released probe slot should be reusable")
	}
}

func TestOrchestratorNonRetryableOpensImmediately(t *testing.T) {
	for _, kind := range []reliability.Kind{reliability.KindAuthentication, reliability.KindMalformedRequest} {
		o, err := NewOrchestrator([]Member{
			{Adapter: failing("a", kind), Priority: 1},
			{Adapter: replying("b", "ok"), Priority: 2},
		}, Options{FailureThreshold: 5})
		if err != nil {
			t.Fatalf("NewOrchestrator() error = %v", err)
		}
		if _, err := o.Generate(context.Background(), userMessages("hi"), Params{}); err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if d := descriptor(t, o, "a"); d.Health != HealthOpen {
			t.Fatalf("%s: a.Health = %s, want open", kind, d.Health)
		}
	}
}

func TestOrchestratorCallerCancelIsNotAFailure(t *testing.T) {
	a := hanging("a")
	b := replying("b", "unused")
	o, err := NewOrchestrator([]Member{
		{Adapter: a, Priority: 1, Timeout: time.Minute},
		{Adapter: b, Priority: 2},
	}, Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = o.Generate(ctx, userMessages("hi"), Params{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if b.Calls() != 0 {
		t.Fatalf("fallback should not run after cancellation")
	}
	if d := descriptor(t, o, "a"); d.ConsecutiveFailures != 0 {
		t.Fatalf("cancellation counted as failure: %+v", d)
	}
}

func TestOrchestratorInputTooLargeKeepsHealth(t *testing.T) {
	small := WithInputLimit(replying("small", "never"), 8, tokenizer.Heuristic{})
	o, err := NewOrchestrator([]Member{
		{Adapter: small, Priority: 1},
		{Adapter: replying("big", "handled"), Priority: 2},
	}, Options{FailureThreshold: 1})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	res, err := o.Generate(context.Background(), userMessages(strings.Repeat("word ", 50)), Params{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "big" {
		t.Fatalf("provider = %q, want big", res.Provider)
	}
	if res.Attempts[0].Kind != reliability.KindInputTooLarge {
		t.Fatalf("attempt kind = %s, want input_too_large", res.Attempts[0].Kind)
	}
	if d := descriptor(t, o, "small"); d.Health != HealthClosed || d.ConsecutiveFailures != 0 {
		t.Fatalf("small = %+v, want untouched", d)
	}
}

func TestOrchestratorWithOrder(t *testing.T) {
	o, err := NewOrchestrator([]Member{
		{Adapter: replying("a", "from a"), Priority: 1},
		{Adapter: replying("b", "from b"), Priority: 2},
	}, Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	res, err := o.Generate(context.Background(), userMessages("hi"), Params{}, WithOrder("b", "missing", "a"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Provider != "b" {
		t.Fatalf("provider = %q, want b", res.Provider)
	}
}

func TestOrchestratorClassifiesRawAdapterErrors(t *testing.T) {
	raw := &stubAdapter{name: "raw", fn: func(context.Context) (string, error) { return "", errors.New("boom") }}
	o, err := NewOrchestrator([]Member{{Adapter: raw}}, Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	_, err = o.Generate(context.Background(), userMessages("hi"), Params{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want exhausted", err)
	}
	if got := exhausted.Attempts[0].Kind; got != reliability.KindTransientNetwork {
		t.Fatalf("kind = %s, want transient_network", got)
	}
}

func TestOrchestratorSortsByPriority(t *testing.T) {
	o, err := NewOrchestrator([]Member{
		{Adapter: replying("low", "x"), Priority: 3},
		{Adapter: replying("high", "y"), Priority: 1},
	}, Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	d := o.Descriptors()
	if d[0].Name != "high" || d[1].Name != "low" {
		t.Fatalf("descriptors = %+v, want high first", d)
	}
	if _, err := NewOrchestrator([]Member{{Adapter: replying("x", "")}, {Adapter: replying("x", "")}}, Options{}); err == nil {
		t.Fatalf("duplicate names should be rejected")
	}
}
