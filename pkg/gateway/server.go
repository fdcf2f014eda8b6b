package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jllopis/crew/pkg/core"
	"github.com/jllopis/crew/pkg/errors"
	"github.com/jllopis/crew/pkg/pipeline"
	"github.com/jllopis/crew/pkg/telemetry"
)

const (
	// DefaultMaxBodyBytes bounds POST /chat bodies.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultMaxConcurrent is the number of runs served at once.
	DefaultMaxConcurrent = 4

	// RunIDHeader carries the run id of a /chat request.
	RunIDHeader = "X-Run-ID"

	// StatusClientClosedRequest is used when the caller went away mid-run.
	StatusClientClosedRequest = 499
)

// Server is the HTTP binding of a Gateway.
type Server struct {
	gateway  *Gateway
	sem      *semaphore.Weighted
	maxBody  int64
	health   *core.HealthRegistry
	audit    pipeline.AuditStore
	metrics  *telemetry.PipelineMetrics
	logger   *slog.Logger
	tracer   trace.Tracer
	maxSlots int64
	scrape   http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxConcurrent bounds how many pipeline runs execute at once.
func WithMaxConcurrent(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxSlots = int64(n)
		}
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithHealthRegistry serves GET /healthz from registry.
func WithHealthRegistry(registry *core.HealthRegistry) ServerOption {
	return func(s *Server) { s.health = registry }
}

// WithAuditStore serves GET /runs/{runID} from store.
func WithAuditStore(store pipeline.AuditStore) ServerOption {
	return func(s *Server) { s.audit = store }
}

// WithServerMetrics records in-flight runs.
func WithServerMetrics(metrics *telemetry.PipelineMetrics) ServerOption {
	return func(s *Server) { s.metrics = metrics }
}

// WithMetricsHandler serves GET /metrics from h.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.scrape = h }
}

// WithServerLogger sets the request logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer wraps gateway with HTTP routing.
func NewServer(gateway *Gateway, opts ...ServerOption) *Server {
	s := &Server{
		gateway:  gateway,
		maxBody:  DefaultMaxBodyBytes,
		maxSlots: DefaultMaxConcurrent,
		logger:   slog.Default(),
		tracer:   otel.Tracer("crew/gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.maxSlots)
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Order: recover -> logging -> tracing
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(s.tracingMiddleware)

	r.Post("/chat", s.handleChat)
	r.Get("/healthz", s.handleHealth)
	r.Get("/runs/{runID}", s.handleRun)
	if s.scrape != nil {
		r.Method(http.MethodGet, "/metrics", s.scrape)
	}
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "could not read request body"})
		return
	}

	req, err := s.gateway.Parse(raw)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	ctx, runID := core.EnsureRunID(ctx)
	w.Header().Set(RunIDHeader, runID)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(telemetry.AttrRunID, runID))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.writeError(ctx, w, errors.New(errors.CodeContextLost, "client went away while queued", err))
		return
	}
	defer s.sem.Release(1)
	s.metrics.InflightAdd(ctx, 1)
	defer s.metrics.InflightAdd(context.WithoutCancel(ctx), -1)

	resp, err := s.gateway.Execute(ctx, req)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if resp.Redactions > 0 {
		s.logger.InfoContext(ctx, "answer filtered by guardrails", slog.Int("redactions", resp.Redactions))
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthBody struct {
	Status     core.HealthStatus   `json:"status"`
	Components []core.HealthResult `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, healthBody{Status: core.HealthHealthy})
		return
	}
	results, status := s.health.CheckAll(r.Context())
	code := http.StatusOK
	if status != core.HealthHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthBody{Status: status, Components: results})
}

type runBody struct {
	RunID    string                 `json:"run_id"`
	Attempts []pipeline.AuditRecord `json:"attempts"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "run inspection is disabled"})
		return
	}
	records, err := s.audit.List(r.Context(), pipeline.AuditFilter{RunID: runID})
	if err != nil {
		s.logger.ErrorContext(r.Context(), "audit lookup failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "audit lookup failed"})
		return
	}
	if len(records) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, runBody{RunID: runID, Attempts: records})
}

// StatusFor maps a gateway or pipeline error to its HTTP status.
func StatusFor(err error) int {
	var gerr *GatewayError
	if stderrors.As(err, &gerr) {
		return http.StatusBadRequest
	}
	var perr *pipeline.PipelineError
	if stderrors.As(err, &perr) {
		return errors.StatusCode(perr.CauseCode())
	}
	return errors.StatusCode(errors.CodeOf(err))
}

// MessageFor returns the caller-facing message for err. It names the failing
// stage and never includes host addresses or raw host replies.
func MessageFor(err error) string {
	var gerr *GatewayError
	if stderrors.As(err, &gerr) {
		return gerr.Error()
	}
	var perr *pipeline.PipelineError
	if stderrors.As(err, &perr) {
		return perr.UserMessage()
	}
	var ce *errors.CrewError
	if stderrors.As(err, &ce) && ce.Code != errors.CodeInternal {
		return ce.Message
	}
	return "internal error"
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := MessageFor(err)
	attrs := []any{
		slog.Int("status", status),
		slog.String("code", string(errors.CodeOf(err))),
		slog.String("error", err.Error()),
	}
	switch {
	case status == StatusClientClosedRequest:
		s.logger.InfoContext(ctx, "client canceled chat request", attrs...)
	case status >= http.StatusInternalServerError:
		s.logger.ErrorContext(ctx, "chat request failed", attrs...)
	default:
		s.logger.WarnContext(ctx, "chat request rejected", attrs...)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// responseWriter captures the status code and size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", routePattern(r)),
			slog.Int("status", wrapped.statusCode),
			slog.Int("size", wrapped.size),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), "http.request",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.route", routePattern(r)),
			attribute.Int("http.status_code", wrapped.statusCode),
			attribute.Int("http.response_size", wrapped.size),
		)
		if wrapped.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	})
}

// routePattern returns the matched chi pattern, falling back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
