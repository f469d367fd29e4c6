// Package api exposes the HTTP interface for the scan service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/cache"
	"github.com/sitepulse/sitepulse/internal/events"
	"github.com/sitepulse/sitepulse/internal/hostqueue"
	"github.com/sitepulse/sitepulse/internal/metrics"
	"github.com/sitepulse/sitepulse/internal/scan"
)

// Server wires HTTP handlers to the scan store and host queue.
type Server struct {
	router  chi.Router
	store   scan.Store
	queue   *hostqueue.Queue
	cache   *cache.Cache
	clock   scan.Clock
	emitter events.Emitter
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. queue,
// resultCache and emitter may be nil.
func NewServer(
	store scan.Store,
	queue *hostqueue.Queue,
	resultCache *cache.Cache,
	clock scan.Clock,
	emitter events.Emitter,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		queue:   queue,
		cache:   resultCache,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.createScan)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Get("/status", s.getScanStatus)
				r.Get("/tasks/{type}", s.getTask)
				r.Post("/rerun", s.rerunScan)
			})
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Post("/clear", s.clearQueue)
		})
		r.Post("/cache/invalidate", s.invalidateCache)
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
	// The store is the only hard dependency; a failing read means the
	// service cannot do useful work yet.
	if _, _, err := s.store.TaskCounts(r.Context(), "readiness-probe"); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createScanRequest struct {
	URL    string  `json:"url"`
	UserID *string `json:"user_id"`
}

type scanResponse struct {
	Scan   scan.Scan       `json:"scan"`
	Status scan.ScanStatus `json:"status"`
	Tasks  []scan.Task     `json:"tasks"`
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateScanURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sc, status, tasks, err := s.store.CreateScan(r.Context(), req.URL, req.UserID)
	if err != nil {
		s.logger.Error("create scan", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create scan")
		return
	}
	s.emit(events.Event{
		ScanID: sc.ID,
		Stage:  events.StageScanCreated,
		URL:    sc.URL,
		TS:     s.clock.Now(),
	})
	s.writeJSON(w, http.StatusAccepted, scanResponse{Scan: sc, Status: status, Tasks: tasks})
}

func (s *Server) rerunScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	tasks, err := s.store.RequeueScan(r.Context(), scanID, s.clock.Now())
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("requeue scan", zap.String("scan_id", scanID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to requeue scan")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"scan_id": scanID, "tasks": tasks})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	sc, err := s.store.GetScan(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("get scan", zap.String("scan_id", scanID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scan": sc})
}

func (s *Server) getScanStatus(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	status, err := s.store.GetScanStatus(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("get scan status", zap.String("scan_id", scanID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load scan status")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	taskType, err := scan.ParseTaskType(chi.URLParam(r, "type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.store.GetTask(r.Context(), scanID, taskType)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task",
			zap.String("scan_id", scanID), zap.String("type", string(taskType)), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	if s.queue == nil {
		s.writeJSON(w, http.StatusOK, hostqueue.Stats{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) clearQueue(w http.ResponseWriter, _ *http.Request) {
	if s.queue != nil {
		s.queue.Clear()
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix string `json:"prefix"`
		URL    string `json:"url"`
	}
	// Body is optional; invalidation is coarse either way.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if s.cache != nil {
		s.cache.Invalidate(req.Prefix, req.URL)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (s *Server) emit(evt events.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}

func validateScanURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
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
