package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/atom/internal/assistant"
	"github.com/antoniostano/atom/internal/config"
	"github.com/antoniostano/atom/internal/conversation"
	"github.com/antoniostano/atom/internal/memory"
	"github.com/antoniostano/atom/internal/observability"
	"github.com/antoniostano/atom/internal/profile"
	"github.com/antoniostano/atom/internal/provider"
	"github.com/antoniostano/atom/internal/reliability"
	"github.com/antoniostano/atom/internal/session"
)

// Assistant is the conversational core the API fronts.
type Assistant interface {
	Respond(ctx context.Context, sessionID, userText string, opts ...assistant.RespondOption) (assistant.Reply, error)
	DeleteTurn(ctx context.Context, sessionID, turnID string) error
	History(ctx context.Context, sessionID string, n int) ([]conversation.Turn, error)
}

type ProviderLister interface {
	Descriptors() []provider.Descriptor
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Sessions  *session.Manager
	Assistant Assistant
	Providers ProviderLister
	Profiles  profile.Store
	Storage   Pinger
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg      config.Config
	d        Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:    cfg,
		d:      d,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.d.Metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/providers", s.handleListProviders)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/respond", s.handleRespond)
	r.Get("/v1/sessions/{id}/turns", s.handleListTurns)
	r.Delete("/v1/sessions/{id}/turns/{turnID}", s.handleDeleteTurn)

	r.Get("/v1/users/{id}/profile", s.handleGetProfile)
	r.Get("/v1/users/{id}/profile/audit", s.handleProfileAudit)
	r.Put("/v1/users/{id}/profile/{key}", s.handlePutProfileFact)
	r.Delete("/v1/users/{id}/profile/{key}", s.handleDeleteProfileFact)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"storage_backend": s.cfg.StorageBackend,
		"active_sessions": s.d.Sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.d.Storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.d.Storage.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"storage_backend": s.cfg.StorageBackend,
	})
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	var out []provider.Descriptor
	if s.d.Providers != nil {
		out = s.d.Providers.Descriptors()
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": out})
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	session.Session
	InactivityTTLMS int64 `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess := s.d.Sessions.Create(strings.TrimSpace(req.UserID))
	respondJSON(w, http.StatusCreated, createSessionResponse{
		Session:         sess,
		InactivityTTLMS: s.d.Sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.d.Sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type respondRequest struct {
	Text      string   `json:"text"`
	Providers []string `json:"providers,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var opts []assistant.RespondOption
	if len(req.Providers) > 0 {
		opts = append(opts, assistant.WithProviders(req.Providers...))
	}
	reply, err := s.d.Assistant.Respond(r.Context(), chi.URLParam(r, "id"), req.Text, opts...)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	turns, err := s.d.Assistant.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleDeleteTurn(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Assistant.DeleteTurn(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "turnID")); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	facts, err := s.d.Profiles.GetAll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if facts == nil {
		facts = []profile.Fact{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"facts": facts})
}

func (s *Server) handleProfileAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.d.Profiles.Audit(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("key"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if entries == nil {
		entries = []profile.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type putFactRequest struct {
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence"`
}

func (s *Server) handlePutProfileFact(w http.ResponseWriter, r *http.Request) {
	var req putFactRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "value is required")
		return
	}
	// Facts stated directly through the API are taken as certain.
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	applied, err := s.d.Profiles.Upsert(r.Context(), profile.Fact{
		UserID:     chi.URLParam(r, "id"),
		Key:        chi.URLParam(r, "key"),
		Value:      strings.TrimSpace(req.Value),
		Confidence: confidence,
		UpdatedAt:  time.Now().UTC(),
		Provenance: "api",
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_fact", err.Error())
		return
	}
	s.d.Metrics.ObserveProfileUpsert(applied)
	respondJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *Server) handleDeleteProfileFact(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Profiles.Erase(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "key")); err != nil {
		s.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failureResponse struct {
	Error    string             `json:"error"`
	Code     string             `json:"code"`
	Attempts []provider.Attempt `json:"attempts,omitempty"`
}

// respondFailure maps a service error onto a status code.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	status, code := failureStatus(err)
	resp := failureResponse{Error: err.Error(), Code: code}
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) {
		resp.Attempts = exhausted.Attempts
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "error", err)
	}
	respondJSON(w, status, resp)
}

func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, reliability.ErrExhausted):
		return http.StatusServiceUnavailable, string(reliability.KindExhausted)
	case errors.Is(err, reliability.ErrContextOverflow):
		return http.StatusRequestEntityTooLarge, string(reliability.KindContextOverflow)
	case errors.Is(err, reliability.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge, string(reliability.KindInputTooLarge)
	case errors.Is(err, assistant.ErrEmptyUtterance):
		return http.StatusBadRequest, "empty_utterance"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, "turn_not_found"
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound, "fact_not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		// nginx's "client closed request".
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
