// Package api serves the query surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auditcore/internal/auditlog"
	"auditcore/internal/logger"
	"auditcore/internal/observability"
	"auditcore/internal/queue"
	"auditcore/internal/report"
	"auditcore/internal/service"
	"auditcore/pkg/models"
)

// Service is the subset of service.Service the API needs.
type Service interface {
	Emit(ctx context.Context, ev models.Event) (queue.PublishResult, error)
	GetAuditReport(ctx context.Context, customerID string, start, end time.Time) (*models.Report, error)
	GetComplianceMetrics(ctx context.Context) (models.ComplianceMetrics, error)
	MonitorEvents(ctx context.Context, duration time.Duration) (models.MonitorSummary, error)
	Degraded() bool
}

// Config controls the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the service.
type Server struct {
	cfg    Config
	svc    Service
	router chi.Router
}

// New builds the router.
func New(svc Service, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEmit)
		r.Get("/reports/{customerID}", s.handleReport)
		r.Get("/metrics/compliance", s.handleCompliance)
		r.Get("/monitor", s.handleMonitor)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP API: %w", err)
	}
	return nil
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		logger.Debugf("%s %s -> %d (%s) request_id=%s", r.Method, r.URL.Path, status, time.Since(start), middleware.GetReqID(r.Context()))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidEvent),
		errors.Is(err, report.ErrInvalidRange),
		errors.Is(err, service.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, auditlog.ErrPersistenceUnavailable),
		errors.Is(err, auditlog.ErrAppendFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Degraded: s.svc.Degraded()})
}

type emitResponse struct {
	queue.PublishResult
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err))
		return
	}
	res, err := s.svc.Emit(r.Context(), ev)
	if errors.Is(err, models.ErrInvalidEvent) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp := emitResponse{PublishResult: res}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func parseTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339: %v", report.ErrInvalidRange, name, err)
	}
	return t, nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	start, err := parseTime(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := parseTime(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rep, err := s.svc.GetAuditReport(r.Context(), chi.URLParam(r, "customerID"), start, end)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.GetComplianceMetrics(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type monitorResponse struct {
	DurationSeconds float64        `json:"duration_seconds"`
	EventCount      int            `json:"event_count"`
	ByType          map[string]int `json:"by_type"`
	FirstSequence   uint64         `json:"first_sequence,omitempty"`
	LastSequence    uint64         `json:"last_sequence,omitempty"`
	Degraded        bool           `json:"degraded"`
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	d := 10 * time.Second
	if v := r.URL.Query().Get("duration"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", service.ErrInvalidDuration, err))
			return
		}
		d = parsed
	}
	sum, err := s.svc.MonitorEvents(r.Context(), d)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, monitorResponse{
		DurationSeconds: sum.Duration.Seconds(),
		EventCount:      sum.EventCount,
		ByType:          sum.ByType,
		FirstSequence:   sum.FirstSeq,
		LastSequence:    sum.LastSeq,
		Degraded:        sum.Degraded,
	})
}
