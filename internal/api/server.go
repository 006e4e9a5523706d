// Package api exposes the submission, status and stats endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"product-analysis-queue/internal/history"
	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/queue"
	"product-analysis-queue/internal/telemetry"
)

// TaskQueue is the queue manager surface the API needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, clientID string, payload models.Payload, priority models.Priority) (string, error)
	GetResult(ctx context.Context, taskID string) (*models.Lookup, error)
	GetQueuePosition(ctx context.Context, taskID string) (int, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetStats(ctx context.Context) (models.Stats, error)
	Ping(ctx context.Context) error
	Heartbeat(ctx context.Context) (*models.WorkerHeartbeat, error)
}

// Limiter throttles submissions per client.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, int64, error)
}

// HistoryReader lists archived analyses.
type HistoryReader interface {
	History(ctx context.Context, clientID string, limit int) ([]history.Record, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	queue    TaskQueue
	limiter  Limiter
	history  HistoryReader
	logger   *zap.Logger
	validate *validator.Validate
	started  time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithLimiter enables per-client rate limiting.
func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithHistory enables the client history endpoint.
func WithHistory(h HistoryReader) Option { return func(s *Server) { s.history = h } }

// New constructs the API server.
func New(q TaskQueue, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:    q,
		logger:   logger,
		validate: validator.New(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze/products", s.handleAnalyzeProducts)
		r.Post("/analyze/keyword", s.handleAnalyzeKeyword)
		r.Get("/status/{task_id}", s.handleStatus)
		r.Get("/queue/stats", s.handleStats)
		r.Get("/clients/{client_id}/history", s.handleHistory)
	})
	return r
}

type productRequest struct {
	ClientID string           `json:"client_id" validate:"required,max=128"`
	Products []models.Product `json:"products" validate:"required,min=1,max=500,dive"`
	Priority string           `json:"priority" validate:"omitempty,oneof=normal high"`
}

type keywordRequest struct {
	ClientID    string   `json:"client_id" validate:"required,max=128"`
	Keyword     string   `json:"keyword" validate:"required,max=200"`
	MaxProducts int      `json:"max_products" validate:"omitempty,min=1,max=100"`
	Investment  float64  `json:"investment" validate:"gte=0"`
	PriceMin    *float64 `json:"price_min" validate:"omitempty,gte=0"`
	PriceMax    *float64 `json:"price_max" validate:"omitempty,gte=0"`
	Priority    string   `json:"priority" validate:"omitempty,oneof=normal high"`
}

type enqueueResponse struct {
	TaskID        string        `json:"task_id"`
	Status        models.Status `json:"status"`
	QueuePosition *int          `json:"queue_position,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleAnalyzeProducts(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.admit(w, r, req.ClientID, req.Priority, models.ProductPayload{Products: req.Products}, true)
}

func (s *Server) handleAnalyzeKeyword(w http.ResponseWriter, r *http.Request) {
	var req keywordRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PriceMin != nil && req.PriceMax != nil && *req.PriceMin > *req.PriceMax {
		writeError(w, http.StatusBadRequest, "price_min must not exceed price_max")
		return
	}
	s.admit(w, r, req.ClientID, req.Priority, models.KeywordPayload{
		Keyword:     req.Keyword,
		MaxProducts: req.MaxProducts,
		Investment:  req.Investment,
		PriceMin:    req.PriceMin,
		PriceMax:    req.PriceMax,
	}, false)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid field " + fe.Namespace() + ": failed " + fe.Tag()
	}
	return err.Error()
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request, clientID, rawPriority string, payload models.Payload, withPosition bool) {
	ctx := r.Context()
	priority, err := models.ParsePriority(rawPriority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, clientID)
		if err != nil {
			s.logger.Error("rate limit check failed", zap.String("client_id", clientID), zap.Error(err))
			telemetry.AdmissionFailures.Inc()
			writeError(w, http.StatusServiceUnavailable, "task store unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	taskID, err := s.queue.Enqueue(ctx, clientID, payload, priority)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("client_id", clientID), zap.Error(err))
		telemetry.AdmissionFailures.Inc()
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(string(payload.TaskType()), string(priority)).Inc()

	resp := enqueueResponse{TaskID: taskID, Status: models.StatusQueued}
	if withPosition {
		pos, err := s.queue.GetQueuePosition(ctx, taskID)
		if err != nil {
			s.logger.Warn("queue position lookup failed", zap.String("task_id", taskID), zap.Error(err))
		}
		// 0 means the worker already took the task.
		resp.QueuePosition = &pos
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	lookup, err := s.queue.GetResult(r.Context(), taskID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case err != nil:
		s.logger.Error("status lookup failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	if lookup.Result != nil {
		writeJSON(w, http.StatusOK, lookup.Result)
		return
	}
	writeJSON(w, http.StatusOK, lookup.Snapshot)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history archive not configured")
		return
	}
	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	clientID := chi.URLParam(r, "client_id")
	records, err := s.history.History(r.Context(), clientID, limit)
	if err != nil {
		s.logger.Error("history lookup failed", zap.String("client_id", clientID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"client_id": clientID, "analyses": records})
}

type healthResponse struct {
	Status         string `json:"status"`
	QueueSize      int64  `json:"queue_size"`
	StoreConnected bool   `json:"store_connected"`
	Uptime         string `json:"uptime"`
	WorkerState    string `json:"worker_state,omitempty"`
}

// handleHealth always answers 200 so the endpoint stays useful while degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status: "healthy",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if err := s.queue.Ping(ctx); err != nil {
		resp.Status = "degraded"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.StoreConnected = true
	if n, err := s.queue.GetQueueSize(ctx); err == nil {
		resp.QueueSize = n
	}
	hb, err := s.queue.Heartbeat(ctx)
	switch {
	case err != nil:
		s.logger.Warn("heartbeat lookup failed", zap.Error(err))
	case hb == nil:
		resp.WorkerState = "unknown"
	default:
		resp.WorkerState = hb.State
		if hb.State == "halted" {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
