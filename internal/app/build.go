package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antoniostano/atom/internal/assistant"
	"github.com/antoniostano/atom/internal/config"
	"github.com/antoniostano/atom/internal/embedding"
	"github.com/antoniostano/atom/internal/httpapi"
	"github.com/antoniostano/atom/internal/memory"
	"github.com/antoniostano/atom/internal/observability"
	"github.com/antoniostano/atom/internal/profile"
	"github.com/antoniostano/atom/internal/prompt"
	"github.com/antoniostano/atom/internal/provider"
	"github.com/antoniostano/atom/internal/retrieval"
	"github.com/antoniostano/atom/internal/session"
	"github.com/antoniostano/atom/internal/shortterm"
	"github.com/antoniostano/atom/internal/storage"
	"github.com/antoniostano/atom/internal/tokenizer"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Assistant    *assistant.Service
	Sessions     *session.Manager
	Orchestrator *provider.Orchestrator
	Profiles     profile.Store
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, clients).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	handle, err := storage.Open(ctx, storage.Config{
		Backend:      cfg.StorageBackend,
		SQLitePath:   cfg.SQLitePath,
		DatabaseURL:  cfg.DatabaseURL,
		EmbeddingDim: cfg.EmbeddingDim,
	})
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}
	closers = append(closers, handle.Close)

	store, err := memory.NewStore(handle)
	if err != nil {
		return fail(fmt.Errorf("memory store init failed: %w", err))
	}
	closers = append(closers, store.Close)
	profiles, err := profile.NewStore(handle)
	if err != nil {
		return fail(fmt.Errorf("profile store init failed: %w", err))
	}

	counter := tokenizer.New(cfg.TokenizerEncoding, logger)
	orchestrator, err := buildOrchestrator(ctx, cfg, counter, logger, metrics)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, orchestrator.Close)

	inner, err := embedding.New(ctx, embedding.Config{
		Provider: cfg.EmbeddingProvider,
		Model:    cfg.EmbeddingModel,
		Dim:      cfg.EmbeddingDim,
		APIKey:   cfg.EmbeddingAPIKey,
		BaseURL:  cfg.EmbeddingBaseURL,
	})
	if err != nil {
		return fail(fmt.Errorf("embedder init failed: %w", err))
	}
	embedder, err := embedding.NewCached(inner, cfg.EmbeddingCacheSize, cfg.EmbeddingTimeout, metrics)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, embedder.Close)

	buffer := shortterm.New(cfg.ShortTermCapacity, store)
	sessions := session.NewManager(store, session.Options{
		InactivityTimeout: cfg.SessionInactivityTimeout,
		DefaultUserID:     cfg.DefaultUserID,
	})
	sessions.SetStartHook(func(session.Session) { metrics.SessionStarted() })
	sessions.SetEndHook(func(s session.Session, reason string) {
		buffer.Drop(s.ID)
		metrics.SessionEnded(reason)
	})

	engine := retrieval.NewEngine(retrieval.Config{
		K:                cfg.RetrievalK,
		MinSimilarity:    cfg.RetrievalMinSimilarity,
		SimilarityWeight: cfg.SimilarityWeight,
		RecencyWeight:    cfg.RecencyWeight,
		AssistantName:    cfg.AssistantName,
	}, embedder, store, buffer, profiles, logger, metrics)

	systemPrompt := cfg.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = prompt.SystemPrompt(cfg.AssistantName)
	}

	svc := assistant.NewService(assistant.Config{
		AssistantName: cfg.AssistantName,
		Params: provider.Params{
			MaxTokens:   cfg.GenerationMaxTokens,
			Temperature: cfg.GenerationTemperature,
		},
		RequestTimeout: cfg.RequestTimeout,
		RedactPII:      cfg.RedactPII,
	}, assistant.Deps{
		Sessions:  sessions,
		Retriever: engine,
		Assembler: prompt.NewAssembler(counter, cfg.ContextTokenBudget, systemPrompt),
		Generator: orchestrator,
		Embedder:  embedder,
		Store:     store,
		Buffer:    buffer,
		Profiles:  profiles,
		Extractor: profile.PatternExtractor{},
		Logger:    logger,
		Metrics:   metrics,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:  sessions,
		Assistant: svc,
		Providers: orchestrator,
		Profiles:  profiles,
		Storage:   handle,
		Metrics:   metrics,
		Logger:    logger,
	})

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Assistant:    svc,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Profiles:     profiles,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

func buildOrchestrator(ctx context.Context, cfg config.Config, counter tokenizer.Counter, logger *slog.Logger, metrics *observability.Metrics) (*provider.Orchestrator, error) {
	members := make([]provider.Member, 0, len(cfg.Providers))
	var adapters []provider.Adapter
	for _, pc := range cfg.Providers {
		a, err := provider.NewAdapter(ctx, pc, counter)
		if err != nil {
			closeAll(adapters)
			return nil, fmt.Errorf("provider %s init failed: %w", pc.Name, err)
		}
		adapters = append(adapters, a)
		members = append(members, provider.Member{Adapter: a, Priority: pc.Priority, Timeout: pc.Timeout()})
		logger.Info("provider registered", "name", pc.Name, "kind", pc.Kind, "priority", pc.Priority, "timeout", pc.Timeout())
	}
	orchestrator, err := provider.NewOrchestrator(members, provider.Options{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.CircuitCooldown(),
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		closeAll(adapters)
		return nil, fmt.Errorf("provider orchestrator init failed: %w", err)
	}
	return orchestrator, nil
}

func closeAll(adapters []provider.Adapter) {
	for _, a := range adapters {
		if c, ok := a.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
