package retrieval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/embedding"
	"github.com/antoniostano/atom/internal/memory"
	"github.com/antoniostano/atom/internal/observability"
	"github.com/antoniostano/atom/internal/profile"
	"github.com/antoniostano/atom/internal/shortterm"
)

type Config struct {
	K                int
	MinSimilarity    float64
	SimilarityWeight float64
	RecencyWeight    float64
	AssistantName    string
}

// Engine gathers context for a request from the three memory tiers.
type Engine struct {
	cfg      Config
	embedder embedding.Embedder
	store    memory.Store
	buffer   *shortterm.Buffer
	profiles profile.Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

func NewEngine(cfg Config, embedder embedding.Embedder, store memory.Store, buffer *shortterm.Buffer, profiles profile.Store, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.K <= 0 {
		cfg.K = 5
	}
	if cfg.SimilarityWeight == 0 {
		cfg.SimilarityWeight = 1
	}
	if cfg.RecencyWeight == 0 {
		cfg.RecencyWeight = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		buffer:   buffer,
		profiles: profiles,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/antoniostano/atom/internal/retrieval"),
	}
}

// Result is the scored context for one request, least relevant first.
type Result struct {
	Items []conversation.ContextItem
	// Degraded is set when a tier could not be consulted.
	Degraded bool
	LongTerm int
	Recent   int
	Facts    int
}

// Retrieve embeds the query and fetches long-term matches, the session's
// short-term turns and the user's profile concurrently. A failing tier is
// logged and skipped; only caller cancellation fails the call.
func (e *Engine) Retrieve(ctx context.Context, userID, sessionID, query string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.retrieve", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("retrieval.k", e.cfg.K),
	))
	defer span.End()

	var (
		matches            []memory.Match
		turns              []conversation.Turn
		facts              []profile.Fact
		ltErr, stErr, pErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		matches, ltErr = e.longTerm(gctx, userID, query)
		return nil
	})
	g.Go(func() error {
		turns, stErr = e.buffer.Turns(gctx, sessionID)
		return nil
	})
	g.Go(func() error {
		facts, pErr = e.profiles.GetAll(gctx, userID)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	for tier, err := range map[string]error{"long_term": ltErr, "short_term": stErr, "profile": pErr} {
		if err != nil {
			res.Degraded = true
			e.logger.Warn("retrieval tier unavailable", "tier", tier, "session_id", sessionID, "error", err)
			span.RecordError(err)
		}
	}
	if res.Degraded {
		e.metrics.ObserveRetrievalDegraded()
	}

	res.Items, res.LongTerm, res.Recent, res.Facts = e.score(matches, turns, facts)
	span.SetAttributes(
		attribute.Int("retrieval.long_term", res.LongTerm),
		attribute.Int("retrieval.short_term", res.Recent),
		attribute.Int("retrieval.profile", res.Facts),
	)
	return res, nil
}

func (e *Engine) longTerm(ctx context.Context, userID, query string) ([]memory.Match, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := e.store.Nearest(ctx, userID, vec, e.cfg.K)
	if err != nil {
		return nil, fmt.Errorf("nearest: %w", err)
	}
	return matches, nil
}

func (e *Engine) score(matches []memory.Match, turns []conversation.Turn, facts []profile.Fact) ([]conversation.ContextItem, int, int, int) {
	inBuffer := make(map[string]bool, len(turns))
	for _, t := range turns {
		inBuffer[t.ID] = true
	}

	items := make([]conversation.ContextItem, 0, len(matches)+len(turns)+len(facts))
	var nLong int
	// Nearest ranks newer first on ties; walking it backwards puts the
	// older of two equal matches on the less relevant side.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		if m.Similarity < e.cfg.MinSimilarity {
			continue
		}
		if m.Record.SourceKind == memory.SourceTurn && inBuffer[m.Record.SourceID] {
			continue
		}
		items = append(items, conversation.ContextItem{
			Source: conversation.SourceLongTerm,
			Text:   m.Record.Text,
			Score:  e.cfg.SimilarityWeight * m.Similarity,
			RefID:  m.Record.ID,
		})
		nLong++
	}

	n := len(turns)
	for i, t := range turns {
		items = append(items, conversation.ContextItem{
			Source: conversation.SourceShortTerm,
			Text:   t.Transcript(e.cfg.AssistantName),
			Score:  e.cfg.RecencyWeight * float64(i+1) / float64(n),
			RefID:  t.ID,
		})
	}

	// Facts score above anything the weighted tiers can reach.
	base := max(1, e.cfg.SimilarityWeight, e.cfg.RecencyWeight)
	// Lowest confidence first so ties favor the surer fact.
	sorted := append([]profile.Fact(nil), facts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence < sorted[j].Confidence })
	for _, f := range sorted {
		items = append(items, conversation.ContextItem{
			Source: conversation.SourceProfile,
			Text:   profile.Describe(f.Key, f.Value),
			Score:  base + f.Confidence,
			RefID:  f.Key,
		})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score < items[j].Score })
	return items, nLong, n, len(facts)
}
