package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/checkpoint"
	"github.com/crawlpipe/crawlpipe/internal/config"
	"github.com/crawlpipe/crawlpipe/internal/fingerprint"
)

// storeTimeout caps each checkpoint or fingerprint store call so a stuck
// backend cannot pin request handlers.
const storeTimeout = 3 * time.Second

// CheckpointSource is the read and maintenance view the API needs over stage
// checkpoints. *checkpoint.Registry satisfies it.
type CheckpointSource interface {
	List(ctx context.Context) ([]checkpoint.State, error)
	Get(ctx context.Context, stage string) (checkpoint.State, error)
	Reset(ctx context.Context, stage string) error
	Export(ctx context.Context) (checkpoint.Report, error)
}

// StatsSource is the slice of the fingerprint store the API needs.
type StatsSource interface {
	Stats(ctx context.Context) (fingerprint.Stats, error)
}

// Server wires HTTP handlers to the checkpoint registry, the fingerprint
// store, and the metrics registry.
type Server struct {
	router       chi.Router
	checkpoints  CheckpointSource
	fingerprints StatsSource
	metrics      *prometheus.Registry
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes. When metrics is
// non-nil the server both serves it on /metrics and records its own request
// counters and latencies into it.
func NewServer(
	checkpoints CheckpointSource,
	fingerprints StatsSource,
	metrics *prometheus.Registry,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		checkpoints:  checkpoints,
		fingerprints: fingerprints,
		metrics:      metrics,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if metrics != nil {
		r.Use(newRequestMetrics(metrics).middleware)
	}
	r.Use(timeoutMiddleware(cfg.ServerTimeout()))
	if cfg.Auth.Enabled {
		r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", s.listCheckpoints)
			r.Get("/export", s.exportCheckpoints)
			r.Get("/{stage}", s.getCheckpoint)
			r.Delete("/{stage}", s.resetCheckpoint)
		})
		r.Get("/fingerprints/stats", s.fingerprintStats)
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

// readyz pings the fingerprint store; a fresh dedup set behind an
// unreachable store is exactly the failure startup is meant to refuse, so
// readiness follows the store.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.fingerprints == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.fingerprints.Stats(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "fingerprint store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listCheckpoints handles GET /v1/checkpoints. It returns
// {"checkpoints": [...]} summaries, 503 when no registry is wired, or 500
// when the registry read fails.
func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.writeError(w, http.StatusServiceUnavailable, "checkpoint registry unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	states, err := s.checkpoints.List(ctx)
	if err != nil {
		s.logger.Error("list checkpoints failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": toSummaries(states),
	})
}

// getCheckpoint handles GET /v1/checkpoints/{stage}. It returns
// {"checkpoint": {...}} with the full persisted state, 404 when the stage has
// no checkpoint, or 500 for registry errors.
func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.writeError(w, http.StatusServiceUnavailable, "checkpoint registry unavailable")
		return
	}
	stage := chi.URLParam(r, "stage")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	st, err := s.checkpoints.Get(ctx, stage)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "checkpoint not found")
			return
		}
		s.logger.Error("get checkpoint failed", zap.String("stage", stage), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoint": st})
}

// resetCheckpoint handles DELETE /v1/checkpoints/{stage}. The next run of the
// stage starts fresh. Returns 404 when nothing existed.
func (s *Server) resetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.writeError(w, http.StatusServiceUnavailable, "checkpoint registry unavailable")
		return
	}
	stage := chi.URLParam(r, "stage")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	if err := s.checkpoints.Reset(ctx, stage); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "checkpoint not found")
			return
		}
		s.logger.Error("reset checkpoint failed", zap.String("stage", stage), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to reset checkpoint")
		return
	}
	s.logger.Info("checkpoint reset via api", zap.String("stage", stage))
	s.writeJSON(w, http.StatusOK, map[string]string{"stage": stage, "status": "reset"})
}

// exportCheckpoints handles GET /v1/checkpoints/export, returning the full
// structured report for external tooling.
func (s *Server) exportCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.writeError(w, http.StatusServiceUnavailable, "checkpoint registry unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	report, err := s.checkpoints.Export(ctx)
	if err != nil {
		s.logger.Error("export checkpoints failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to export checkpoints")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// fingerprintStats handles GET /v1/fingerprints/stats.
func (s *Server) fingerprintStats(w http.ResponseWriter, r *http.Request) {
	if s.fingerprints == nil {
		s.writeError(w, http.StatusServiceUnavailable, "fingerprint store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	stats, err := s.fingerprints.Stats(ctx)
	if err != nil {
		s.logger.Error("fingerprint stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load fingerprint stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// checkpointSummary is the list-view projection of a checkpoint; the detail
// endpoint returns the full state.
type checkpointSummary struct {
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Total     int64     `json:"total_items"`
	Processed int64     `json:"processed_items"`
	Failed    int64     `json:"failed_items"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSummaries(in []checkpoint.State) []checkpointSummary {
	out := make([]checkpointSummary, 0, len(in))
	for _, st := range in {
		out = append(out, checkpointSummary{
			Stage:     st.StageName,
			Status:    string(st.Status),
			Total:     st.TotalItems,
			Processed: st.ProcessedItems,
			Failed:    st.FailedItems,
			UpdatedAt: st.UpdatedAt,
		})
	}
	return out
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
			zap.String("request_id", requestIDFrom(r.Context())),
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

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestMetrics records per-request counters and latencies on the injected
// registry.
type requestMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newRequestMetrics(reg prometheus.Registerer) *requestMetrics {
	return &requestMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpipe_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlpipe_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
}

func (m *requestMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		// The route pattern is only filled in once routing has run.
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write json failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
