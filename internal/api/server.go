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

	"github.com/noticegrid/ingestor/internal/config"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/metrics"
	"github.com/noticegrid/ingestor/internal/snapshot"
)

// BatchStarter kicks off an ingestion batch on demand. The orchestrator
// satisfies it; a nil starter disables the trigger endpoint.
type BatchStarter interface {
	StartBatch(ctx context.Context) (ingest.Batch, error)
}

// BoardSource yields the currently configured crawl targets.
type BoardSource interface {
	Boards(ctx context.Context) ([]ingest.Board, error)
}

// Server wires HTTP handlers to the snapshot reader, the batch store and the
// orchestrator trigger.
type Server struct {
	router  chi.Router
	reader  *snapshot.Reader
	batches ingest.BatchStore
	boards  BoardSource
	starter BatchStarter
	cfg     config.Config
	logger  *zap.Logger
}

const requestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes. The API key
// guard applies only to the batch trigger; everything else is a public read
// surface.
func NewServer(
	reader *snapshot.Reader,
	batches ingest.BatchStore,
	boards BoardSource,
	starter BatchStarter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		reader:  reader,
		batches: batches,
		boards:  boards,
		starter: starter,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/latest", s.getLatest)
		r.Route("/snapshots/{version}", func(r chi.Router) {
			r.Get("/index", s.getIndex)
			r.Get("/diff", s.getDiff)
			r.Get("/errors", s.getErrors)
			r.Get("/stats", s.getStats)
			r.Get("/notices/{notice_id}", s.getNotice)
		})
		r.Get("/boards", s.listBoards)
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", s.listBatches)
			r.Get("/{batch_id}", s.getBatch)
			trigger := chi.Router(r)
			if cfg.Auth.Enabled {
				trigger = r.With(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			trigger.Post("/", s.startBatch)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz probes the object store through the pointer read. A store with no
// published snapshot yet is still ready; only an unreachable store is not.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if _, err := s.reader.LatestPointer(ctx); err != nil && !errors.Is(err, ingest.ErrNoSnapshot) {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "object store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	if s.starter == nil {
		writeError(w, http.StatusServiceUnavailable, "batch trigger unavailable")
		return
	}
	batch, err := s.starter.StartBatch(r.Context())
	if err != nil {
		if errors.Is(err, ingest.ErrBatchActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": batch.ID,
		"version":  batch.Version,
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
