package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/embedding"
	"github.com/antoniostano/atom/internal/memory"
	"github.com/antoniostano/atom/internal/observability"
	"github.com/antoniostano/atom/internal/policy"
	"github.com/antoniostano/atom/internal/profile"
	"github.com/antoniostano/atom/internal/prompt"
	"github.com/antoniostano/atom/internal/provider"
	"github.com/antoniostano/atom/internal/reliability"
	"github.com/antoniostano/atom/internal/retrieval"
	"github.com/antoniostano/atom/internal/session"
	"github.com/antoniostano/atom/internal/shortterm"
)

var ErrEmptyUtterance = errors.New("assistant: empty utterance")

// Generator produces a reply from an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, messages []conversation.Message, params provider.Params, opts ...provider.CallOption) (provider.Result, error)
}

// Write-back stages reported in warnings.
const (
	StageEmbed   = "embed"
	StageCommit  = "commit"
	StageBuffer  = "buffer"
	StageProfile = "profile"
)

// Warning is a write-back problem that did not fail the reply.
type Warning struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
}

type Reply struct {
	Text     string    `json:"text"`
	Provider string    `json:"provider"`
	TurnID   string    `json:"turn_id"`
	Seq      int64     `json:"seq"`
	Warnings []Warning `json:"warnings,omitempty"`
	// Degraded is set when some memory could not be consulted.
	Degraded bool `json:"degraded,omitempty"`
}

type Config struct {
	AssistantName  string
	Params         provider.Params
	RequestTimeout time.Duration
	RedactPII      bool
}

type Deps struct {
	Sessions  *session.Manager
	Retriever *retrieval.Engine
	Assembler *prompt.Assembler
	Generator Generator
	Embedder  embedding.Embedder
	Store     memory.Store
	Buffer    *shortterm.Buffer
	Profiles  profile.Store
	Extractor profile.Extractor
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Service answers user utterances and keeps the memory tiers current.
type Service struct {
	cfg Config
	d   Deps
}

func NewService(cfg Config, d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Extractor == nil {
		d.Extractor = profile.PatternExtractor{}
	}
	return &Service{cfg: cfg, d: d}
}

type respondOptions struct {
	order []string
}

type RespondOption func(*respondOptions)

// WithProviders restricts the providers tried for one reply.
func WithProviders(names ...string) RespondOption {
	return func(o *respondOptions) { o.order = names }
}

// Respond produces the assistant's reply to userText within a session.
// Requests for the same session run one at a time.
func (s *Service) Respond(ctx context.Context, sessionID, userText string, opts ...RespondOption) (Reply, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return Reply{}, ErrEmptyUtterance
	}
	var ro respondOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	lease, err := s.d.Sessions.Acquire(ctx, sessionID, "")
	if err != nil {
		return Reply{}, err
	}
	defer lease.Release()
	sess := lease.Session()

	stageStart := time.Now()
	retrieved, err := s.d.Retriever.Retrieve(ctx, sess.UserID, sessionID, userText)
	if err != nil {
		return Reply{}, err
	}
	s.d.Metrics.ObserveTurnStage(observability.StageRetrieve, time.Since(stageStart))

	stageStart = time.Now()
	assembly, err := s.d.Assembler.Assemble(retrieved.Items, userText)
	if err != nil {
		return Reply{}, err
	}
	s.d.Metrics.ObserveTurnStage(observability.StageAssemble, time.Since(stageStart))
	if assembly.Dropped > 0 {
		s.d.Logger.Debug("context trimmed to budget", "session_id", sessionID, "dropped", assembly.Dropped, "tokens", assembly.Tokens)
	}

	stageStart = time.Now()
	var callOpts []provider.CallOption
	if len(ro.order) > 0 {
		callOpts = append(callOpts, provider.WithOrder(ro.order...))
	}
	result, err := s.d.Generator.Generate(ctx, assembly.Messages, s.cfg.Params, callOpts...)
	if err != nil {
		return Reply{}, err
	}
	s.d.Metrics.ObserveTurnStage(observability.StageGenerate, time.Since(stageStart))

	// Nothing is persisted for a request the caller gave up on.
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	seq, at := lease.NextTurn()
	turn := conversation.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    sess.UserID,
		Seq:       seq,
		User:      conversation.Message{Role: conversation.RoleUser, Content: userText, Timestamp: at},
		Assistant: conversation.Message{Role: conversation.RoleAssistant, Content: strings.TrimSpace(result.Text), Timestamp: at},
		Provider:  result.Provider,
		CreatedAt: at,
	}

	stageStart = time.Now()
	warnings, committed := s.writeBack(ctx, &turn)
	if committed {
		lease.Advance(seq, at)
	}
	s.d.Metrics.ObserveTurnStage(observability.StageWriteback, time.Since(stageStart))
	s.d.Metrics.ObserveTurnStage(observability.StageRespondTotal, time.Since(started))

	return Reply{
		Text:     result.Text,
		Provider: result.Provider,
		TurnID:   turn.ID,
		Seq:      seq,
		Warnings: warnings,
		Degraded: retrieved.Degraded,
	}, nil
}

// writeBack persists the turn, its embeddings and any learned facts. The
// turn and its records are committed together or not at all; when the
// embedder fails the turn is still logged, without records. Only a committed
// turn reaches the short-term buffer and the profile.
func (s *Service) writeBack(ctx context.Context, turn *conversation.Turn) ([]Warning, bool) {
	var warnings []Warning
	warn := func(stage string, err error) {
		warnings = append(warnings, Warning{Stage: stage, Detail: err.Error()})
		s.d.Metrics.ObserveWritebackWarning(stage)
		s.d.Logger.Warn("memory write-back failed", "stage", stage, "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
	}

	candidates := s.d.Extractor.Extract(turn.User.Content)
	if s.cfg.RedactPII {
		turn.User.Content, _ = policy.RedactPII(turn.User.Content)
		turn.Assistant.Content, _ = policy.RedactPII(turn.Assistant.Content)
	}

	records, err := s.buildRecords(ctx, *turn, candidates)
	if err != nil {
		warn(StageEmbed, err)
		records = nil
	}
	if err := s.d.Store.Commit(ctx, *turn, records); err != nil {
		warn(StageCommit, err)
		return warnings, false
	}

	if err := s.d.Buffer.Append(ctx, *turn); err != nil {
		warn(StageBuffer, err)
	}

	for _, c := range candidates {
		applied, err := s.d.Profiles.Upsert(ctx, profile.Fact{
			UserID:     turn.UserID,
			Key:        c.Key,
			Value:      c.Value,
			Confidence: c.Confidence,
			UpdatedAt:  turn.CreatedAt,
			Provenance: turn.ID,
		})
		if err != nil {
			warn(StageProfile, fmt.Errorf("%s: %w", c.Key, err))
			continue
		}
		s.d.Metrics.ObserveProfileUpsert(applied)
	}
	return warnings, true
}

func (s *Service) buildRecords(ctx context.Context, turn conversation.Turn, candidates []profile.Candidate) ([]memory.Record, error) {
	texts := []string{turn.Transcript(s.cfg.AssistantName)}
	kinds := []memory.SourceKind{memory.SourceTurn}
	importance := []float64{0}
	for _, c := range candidates {
		text := profile.Describe(c.Key, c.Value)
		if s.cfg.RedactPII {
			text, _ = policy.RedactPII(text)
		}
		texts = append(texts, text)
		kinds = append(kinds, memory.SourceFact)
		importance = append(importance, c.Confidence)
	}

	records := make([]memory.Record, 0, len(texts))
	for i, text := range texts {
		vec, err := s.d.Embedder.Embed(ctx, text)
		if err != nil {
			if reliability.IsContextDone(err) {
				return nil, err
			}
			return nil, reliability.New(reliability.KindEmbeddingFailure, "embedding", err)
		}
		records = append(records, memory.Record{
			ID:         uuid.NewString(),
			UserID:     turn.UserID,
			SessionID:  turn.SessionID,
			Text:       text,
			Embedding:  vec,
			SourceKind: kinds[i],
			SourceID:   turn.ID,
			CreatedAt:  turn.CreatedAt,
			Importance: importance[i],
		})
	}
	return records, nil
}

// DeleteTurn soft-deletes a turn so it no longer appears in recall.
func (s *Service) DeleteTurn(ctx context.Context, sessionID, turnID string) error {
	lease, err := s.d.Sessions.Acquire(ctx, sessionID, "")
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := s.d.Store.SoftDeleteTurn(ctx, sessionID, turnID); err != nil {
		return err
	}
	// Rehydrated on next access without the deleted turn.
	s.d.Buffer.Drop(sessionID)
	return nil
}

// History returns the session's last n live turns, oldest first.
func (s *Service) History(ctx context.Context, sessionID string, n int) ([]conversation.Turn, error) {
	if n <= 0 {
		n = 50
	}
	return s.d.Store.RecentTurns(ctx, sessionID, n)
}
