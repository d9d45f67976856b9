package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/observability"
	"github.com/antoniostano/atom/internal/reliability"
)

const tracerName = "github.com/antoniostano/atom/internal/provider"

// Member registers one adapter with the orchestrator.
type Member struct {
	Adapter  Adapter
	Priority int
	Timeout  time.Duration
}

type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *slog.Logger
	Metrics          *observability.Metrics
	Now              func() time.Time
}

type member struct {
	adapter  Adapter
	priority int
	timeout  time.Duration
	circuit  *circuit
}

// Orchestrator dispatches a request across adapters in priority order,
// falling back on failure. Health is tracked per orchestrator.
type Orchestrator struct {
	members []*member
	byName  map[string]*member
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewOrchestrator(members []Member, opts Options) (*Orchestrator, error) {
	if len(members) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	o := &Orchestrator{
		byName:  make(map[string]*member, len(members)),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer(tracerName),
		now:     opts.Now,
	}
	for _, m := range members {
		if m.Adapter == nil {
			return nil, errors.New("provider adapter is nil")
		}
		name := m.Adapter.Name()
		if _, dup := o.byName[name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		timeout := m.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		mm := &member{
			adapter:  m.Adapter,
			priority: m.Priority,
			timeout:  timeout,
			circuit:  newCircuit(opts.FailureThreshold, opts.Cooldown),
		}
		o.members = append(o.members, mm)
		o.byName[name] = mm
		o.metrics.SetCircuitState(name, HealthClosed.gauge())
	}
	sort.SliceStable(o.members, func(i, j int) bool { return o.members[i].priority < o.members[j].priority })
	return o, nil
}

// Attempt records what happened to one provider during a request.
type Attempt struct {
	Provider string           `json:"provider"`
	Kind     reliability.Kind `json:"kind,omitempty"`
	Skipped  bool             `json:"skipped,omitempty"`
	Err      error            `json:"-"`
}

// ExhaustedError is returned when every provider failed or was skipped.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Skipped {
			parts = append(parts, a.Provider+"=skipped")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", a.Provider, a.Kind))
	}
	return "all providers exhausted: " + strings.Join(parts, ", ")
}

func (e *ExhaustedError) Is(target error) bool { return target == reliability.ErrExhausted }

// Result is a successful generation.
type Result struct {
	Text     string
	Provider string
	// Attempts lists the failed or skipped providers tried before Provider.
	Attempts []Attempt
}

type callOptions struct {
	order []string
}

type CallOption func(*callOptions)

// WithOrder restricts and orders the providers tried for one call.
// Unknown names are ignored.
func WithOrder(names ...string) CallOption {
	return func(o *callOptions) { o.order = names }
}

// Generate tries providers sequentially until one succeeds. Caller
// cancellation ends the loop and is returned unwrapped; it never counts
// against a provider.
func (o *Orchestrator) Generate(ctx context.Context, messages []conversation.Message, params Params, opts ...CallOption) (Result, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	var attempts []Attempt
	for _, m := range o.ordered(co.order) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		name := m.adapter.Name()
		if !m.circuit.acquire(o.now()) {
			attempts = append(attempts, Attempt{Provider: name, Skipped: true})
			o.metrics.ObserveProviderAttempt(name, "skipped", 0)
			continue
		}

		started := o.now()
		text, err := o.attempt(ctx, m, messages, params)
		elapsed := o.now().Sub(started)
		if err == nil {
			m.circuit.succeed()
			o.publish(m)
			o.metrics.ObserveProviderAttempt(name, "ok", elapsed)
			return Result{Text: text, Provider: name, Attempts: attempts}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.circuit.release()
			return Result{}, ctxErr
		}

		kind, _ := reliability.KindOf(err)
		if kind == reliability.KindInputTooLarge {
			m.circuit.release()
		} else {
			m.circuit.fail(kind, o.now())
		}
		o.publish(m)
		o.metrics.ObserveProviderAttempt(name, string(kind), elapsed)
		o.logger.Warn("provider attempt failed", "provider", name, "kind", kind, "error", err)
		attempts = append(attempts, Attempt{Provider: name, Kind: kind, Err: err})
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{}, &ExhaustedError{Attempts: attempts}
}

// attempt runs one bounded call and guarantees a classified error.
func (o *Orchestrator) attempt(ctx context.Context, m *member, messages []conversation.Message, params Params) (string, error) {
	name := m.adapter.Name()
	ctx, span := o.tracer.Start(ctx, "provider.generate", trace.WithAttributes(attribute.String("provider.name", name)))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	text, err := m.adapter.Generate(attemptCtx, messages, params)
	if err == nil && strings.TrimSpace(text) == "" {
		err = reliability.Errorf(reliability.KindTransientNetwork, name, "empty response")
	}
	if err == nil {
		return text, nil
	}

	if _, ok := reliability.KindOf(err); !ok {
		switch {
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
			err = reliability.Errorf(reliability.KindTimeout, name, "no reply within %s: %w", m.timeout, err)
		default:
			err = reliability.New(reliability.KindTransientNetwork, name, err)
		}
	} else if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		// The adapter may report our deadline as a transport failure.
		err = reliability.Errorf(reliability.KindTimeout, name, "no reply within %s: %w", m.timeout, err)
	}
	kind, _ := reliability.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	return "", err
}

func (o *Orchestrator) ordered(names []string) []*member {
	if len(names) == 0 {
		return o.members
	}
	out := make([]*member, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if m, ok := o.byName[n]; ok && !seen[n] {
			out = append(out, m)
			seen[n] = true
		}
	}
	return out
}

func (o *Orchestrator) publish(m *member) {
	h, _, _ := m.circuit.snapshot()
	o.metrics.SetCircuitState(m.adapter.Name(), h.gauge())
}

// Descriptors returns the providers in priority order with their current health.
func (o *Orchestrator) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(o.members))
	for _, m := range o.members {
		h, failures, last := m.circuit.snapshot()
		d := Descriptor{
			Name:                m.adapter.Name(),
			Priority:            m.priority,
			Health:              h,
			ConsecutiveFailures: failures,
			MaxInputTokens:      m.adapter.MaxInputTokens(),
		}
		if !last.IsZero() {
			t := last
			d.LastFailureAt = &t
		}
		out = append(out, d)
	}
	return out
}

// Close releases adapters holding client resources.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, m := range o.members {
		if c, ok := m.adapter.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
