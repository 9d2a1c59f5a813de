package apiv1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/repository"
	portuc "intent-code-pipeline/internal/domain/ports/usecase"
	"intent-code-pipeline/internal/infra/gateway"
	"intent-code-pipeline/internal/infra/logging"
	"intent-code-pipeline/internal/infra/redis"
	"intent-code-pipeline/internal/infra/web"
)

// ProviderSnapshotter exposes gateway circuit state for the status route.
type ProviderSnapshotter interface {
	Snapshot() []gateway.ProviderStatus
}

// Server holds the operator API handlers. Auth and rate limiting are
// optional; a nil manager disables that guard (used by tests).
type Server struct {
	pipeline  portuc.PipelineManager
	jobs      repository.JobRepository
	hooks     repository.WebhookRepository
	providers ProviderSnapshotter
	stream    http.Handler
	auth      *web.AuthManager
	limiter   *redis.RateLimiter
	rateLimit int
	rateWin   time.Duration
	log       *zerolog.Logger
}

func NewServer(
	pipeline portuc.PipelineManager,
	jobs repository.JobRepository,
	hooks repository.WebhookRepository,
	providers ProviderSnapshotter,
	stream http.Handler,
	auth *web.AuthManager,
	limiter *redis.RateLimiter,
	rateLimit int,
	rateWindow time.Duration,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		pipeline:  pipeline,
		jobs:      jobs,
		hooks:     hooks,
		providers: providers,
		stream:    stream,
		auth:      auth,
		limiter:   limiter,
		rateLimit: rateLimit,
		rateWin:   rateWindow,
		log:       logger,
	}
}

// RegisterAPIV1 mounts all operator routes under /api/v1.
func RegisterAPIV1(r chi.Router, s *Server) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate, s.rateLimited)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/sessions/{id}/advance", s.handleAdvance)
		r.Post("/sessions/{id}/cancel", s.handleCancel)
		r.Post("/sessions/{id}/force-cancel", s.handleForceCancel)
		r.Get("/sessions/{id}/jobs", s.handleListJobs)
		if s.stream != nil {
			r.Get("/sessions/{id}/stream", s.stream.ServeHTTP)
		}

		r.Get("/providers", s.handleProviders)

		r.Post("/webhooks", s.handleRegisterWebhook)
		r.Delete("/webhooks/{id}", s.handleUnregisterWebhook)
	})
}

//
// ---------------- guards ----------------
//

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.auth.ParseFromRequest(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		caller := r.RemoteAddr
		if s.auth != nil {
			if claims, err := s.auth.ParseFromRequest(r); err == nil {
				caller = claims.Subject
			}
		}
		route := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
		ok, err := s.limiter.Allow(r.Context(), redis.CallerKey(caller, route), s.rateLimit, s.rateWin)
		if err != nil {
			// limiter outage must not take the API down
			l := logging.With(r.Context(), s.log)
			l.Warn().Err(err).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

//
// ---------------- wire types ----------------
//

type sessionView struct {
	ID        string              `json:"id"`
	Phase     string              `json:"phase"`
	Revision  int64               `json:"revision"`
	Results   map[string]string   `json:"results,omitempty"`
	Failure   *model.FailureCause `json:"failure,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func toSessionView(sess *model.Session) sessionView {
	v := sessionView{
		ID:        sess.ID,
		Phase:     string(sess.Phase),
		Revision:  sess.Revision,
		Failure:   sess.Failure,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	if len(sess.PhaseResults) > 0 {
		v.Results = make(map[string]string, len(sess.PhaseResults))
		for phase, res := range sess.PhaseResults {
			v.Results[string(phase)] = res
		}
	}
	return v
}

type jobView struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Phase       string    `json:"phase"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toJobView(j *model.Job) jobView {
	return jobView{
		ID:          j.ID,
		SessionID:   j.SessionID,
		Phase:       string(j.Phase),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		ErrorKind:   j.LastErrorKind,
		Error:       j.LastError,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		CreatedAt:   j.CreatedAt,
	}
}

//
// ---------------- session routes ----------------
//

type createSessionRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.pipeline.Create(r.Context(), req.Text)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.pipeline.List(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, toSessionView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

type advanceRequest struct {
	ExpectedRevision int64 `json:"expected_revision"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.pipeline.Advance(r.Context(), chi.URLParam(r, "id"), req.ExpectedRevision)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleForceCancel is the idempotent operator variant: cancelling a session
// that already reached a terminal phase is reported as success.
func (s *Server) handleForceCancel(w http.ResponseWriter, r *http.Request) {
	err := s.pipeline.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, domain.ErrSessionTerminal) {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.pipeline.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	jobs, err := s.jobs.ListBySession(r.Context(), nil, id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

//
// ---------------- provider status ----------------
//

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []gateway.ProviderStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.providers.Snapshot()})
}

//
// ---------------- webhook routes ----------------
//

type registerWebhookRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	sub := &repository.WebhookSubscription{
		ID:         uuid.NewString(),
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Cursors:    map[string]int64{},
		Active:     true,
	}
	if err := s.hooks.Save(r.Context(), nil, sub); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          sub.ID,
		"url":         sub.URL,
		"event_types": sub.EventTypes,
	})
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Delete(r.Context(), nil, chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

//
// ---------------- response helpers ----------------
//

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStaleRevision),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
