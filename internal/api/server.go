package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/healing"
	"github.com/JakeFAU/outreach-crawler/internal/metrics"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// Config controls the ops server.
type Config struct {
	// APIKey guards every route except the probes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the run repository.
type Server struct {
	router chi.Router
	runs   RunRepository
	ids    automation.IDGenerator
	clock  automation.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs RunRepository, ids automation.IDGenerator, clock automation.Clock, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{runs: runs, ids: ids, clock: clock, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Route("/v1/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.createRun)
			r.Get("/{request_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	if _, err := s.runs.ListRuns(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "spool unreadable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listRuns handles GET /v1/runs?limit=&offset=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	total := len(runs)
	runs = runs[min(offset, total):min(offset+limit, total)]
	if runs == nil {
		runs = []RunSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	detail, err := s.runs.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, ErrInvalidRequestID):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("get run failed", zap.String("request_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

type createRunRequest struct {
	RequestID string `json:"requestId"`
	Username  string `json:"username"`
	SecretEnv string `json:"secretEnv"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		s.writeError(w, http.StatusBadRequest, "username required")
		return
	}
	if req.RequestID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to mint request id")
			return
		}
		req.RequestID = id
	}
	st := healing.NewRunState(req.RequestID, checkpoint.Credentials{Username: req.Username, SecretEnv: req.SecretEnv}, s.clock.Now())
	err := s.runs.CreateRun(r.Context(), st)
	switch {
	case errors.Is(err, ErrRunExists):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrInvalidRequestID):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("create run failed", zap.String("request_id", req.RequestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}
	s.logger.Info("run queued", zap.String("request_id", req.RequestID))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"requestId": req.RequestID})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("http_request_id", reqID),
			zap.Duration("duration", time.Since(start)),
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

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
