// Package api is the producer and admin HTTP surface of the job core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"meeting-jobcore/internal/enrichment"
	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/outbox"
	"meeting-jobcore/internal/queue"
	"meeting-jobcore/internal/ratelimit"
	"meeting-jobcore/internal/store"
	"meeting-jobcore/internal/telemetry"
)

// JobStore is the queue surface the API exposes.
type JobStore interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (string, bool, error)
	Get(ctx context.Context, id string) (models.Job, error)
	GetByKey(ctx context.Context, key string) (models.Job, error)
	Retry(ctx context.Context, id string) error
	Stats(ctx context.Context) (models.Stats, error)
}

type AuditStore interface {
	AuditByKey(ctx context.Context, key string) (models.AuditRecord, error)
}

type EnrichmentTrigger interface {
	Trigger(ctx context.Context, meetingID string) (string, bool, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps collects the server's collaborators. Limiter and Health may be nil.
type Deps struct {
	Jobs       JobStore
	Audits     AuditStore
	Enrichment EnrichmentTrigger
	Limiter    Limiter
	Health     Pinger
	Logger     zerolog.Logger
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   zerolog.Logger
}

func New(deps Deps) *Server {
	return &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Get("/stats", s.handleStats)
	r.Get("/outbox/audit/{key}", s.handleAudit)
	r.Post("/meetings/{id}/enrich", s.handleEnrich)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	JobType        models.JobType  `json:"job_type" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=255"`
	Payload        json.RawMessage `json:"payload"`
	MaxRetries     int             `json:"max_retries" validate:"gte=0,lte=50"`
	ScheduledFor   *time.Time      `json:"scheduled_for"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
	// Created is false when the idempotency key was already queued.
	Created bool `json:"created"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.JobType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job_type %q", req.JobType))
		return
	}
	if !s.allow(w, r) {
		return
	}

	params := queue.EnqueueParams{
		Type:           req.JobType,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     req.MaxRetries,
	}
	if len(req.Payload) > 0 {
		params.Payload = req.Payload
	}
	if req.ScheduledFor != nil {
		params.ScheduledFor = req.ScheduledFor.UTC()
	}

	id, created, err := s.deps.Jobs.Enqueue(r.Context(), params)
	if err != nil {
		s.logger.Error().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("enqueue")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if !created {
		existing, err := s.deps.Jobs.GetByKey(r.Context(), req.IdempotencyKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup existing job failed")
			return
		}
		writeJSON(w, http.StatusOK, enqueueResponse{JobID: existing.ID})
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{JobID: id, Created: true})
}

// allow applies the per-tenant token bucket and writes the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), "rl:"+tenantFromRequest(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter")
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.WithLabelValues("api").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Jobs.Retry(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info().Str("job_id", id).Msg("job re-admitted")
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusPending)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	telemetry.ObserveStats(stats)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Audits.AuditByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	id, created, err := s.deps.Enrichment.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusAccepted
	}
	writeJSON(w, code, enqueueResponse{JobID: id, Created: created})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, outbox.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotRetryable), errors.Is(err, enrichment.ErrAlreadyEnriched):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
