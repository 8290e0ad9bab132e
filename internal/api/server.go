// Package api exposes the operator HTTP interface. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks for crawl task submission.
//   - GET /v1/accounts for pool visibility.
//   - POST /v1/lifecycle/sweep to run the retention sweep.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/accounts"
	"github.com/harvestd/harvestd/internal/dispatcher"
	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/ingest"
	"github.com/harvestd/harvestd/internal/metrics"
)

// Server wires HTTP handlers to the dispatcher, account pool and
// ingestion pipeline.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	pool       *accounts.Pool
	pipeline   *ingest.Pipeline
	clock      harvest.Clock
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	disp *dispatcher.Dispatcher,
	pool *accounts.Pool,
	pipeline *ingest.Pipeline,
	clock harvest.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		dispatcher: disp,
		pool:       pool,
		pipeline:   pipeline,
		clock:      clock,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/accounts", s.listAccounts)
		r.Post("/lifecycle/sweep", s.runSweep)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pool.ActiveCount() == 0 {
		s.pool.Refresh(r.Context())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_accounts": s.pool.ActiveCount(),
	})
}

type taskRequest struct {
	TaskID          int64    `json:"task_id"`
	Keyword         string   `json:"keyword"`
	WindowStart     string   `json:"start,omitempty"`
	WindowEnd       string   `json:"end,omitempty"`
	IsInitialCrawl  bool     `json:"is_initial_crawl,omitempty"`
	AccountID       *int64   `json:"account_id,omitempty"`
	EnableRotation  bool     `json:"enable_account_rotation,omitempty"`
	Modes           []string `json:"crawl_modes,omitempty"`
	MaxCommentDepth int      `json:"max_comment_depth,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.toTask(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.dispatcher.Enqueue(queueCtx, task); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.TaskID})
}

func (s *Server) toTask(req taskRequest) (harvest.Task, error) {
	if req.Keyword == "" {
		return harvest.Task{}, errors.New("keyword is required")
	}
	task := harvest.Task{
		TaskID:          req.TaskID,
		Keyword:         req.Keyword,
		IsInitialCrawl:  req.IsInitialCrawl,
		AccountID:       req.AccountID,
		EnableRotation:  req.EnableRotation,
		MaxCommentDepth: req.MaxCommentDepth,
	}
	if task.TaskID == 0 {
		task.TaskID = s.clock.Now().UnixNano()
	}

	var err error
	if task.WindowStart, err = parseOptionalTime(req.WindowStart); err != nil {
		return harvest.Task{}, errors.New("start must be RFC3339")
	}
	if task.WindowEnd, err = parseOptionalTime(req.WindowEnd); err != nil {
		return harvest.Task{}, errors.New("end must be RFC3339")
	}
	if !task.WindowStart.IsZero() && !task.WindowEnd.IsZero() && task.WindowEnd.Before(task.WindowStart) {
		return harvest.Task{}, errors.New("end must not precede start")
	}

	for _, m := range req.Modes {
		mode := harvest.CrawlMode(m)
		switch mode {
		case harvest.ModeSearch, harvest.ModeDetail, harvest.ModeCreator,
			harvest.ModeComment, harvest.ModeMedia:
			task.Modes = append(task.Modes, mode)
		default:
			return harvest.Task{}, errors.New("unknown crawl mode " + m)
		}
	}
	return task, nil
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (s *Server) listAccounts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active_accounts": s.pool.ActiveCount(),
	})
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	archived, deleted, err := s.pipeline.SweepLifecycle(r.Context())
	if err != nil {
		s.logger.Error("lifecycle sweep failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"archived": archived,
		"deleted":  deleted,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
