package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/energy-usage-service/internal/apperr"
	"github.com/septivank/energy-usage-service/internal/repository"
	"github.com/septivank/energy-usage-service/internal/rollup"
	"github.com/septivank/energy-usage-service/internal/service"
	"github.com/septivank/energy-usage-service/internal/telemetry"
	"github.com/septivank/energy-usage-service/internal/usage"
	"github.com/septivank/energy-usage-service/internal/validator"
	"go.uber.org/zap"
)

const (
	maxPayloadBytes  = 64 << 10
	defaultTopLimit  = 5
	defaultListRange = 24 * time.Hour
)

// Server exposes ingestion, device queries, usage aggregation and rollup over HTTP
type Server struct {
	accumulator *service.Accumulator
	queries     *service.QueryService
	usage       *usage.Engine
	rollup      *rollup.Job
	validator   *validator.Validator
	loc         *time.Location
	logger      *zap.Logger
	now         func() time.Time
}

// Deps groups the services the HTTP surface delegates to
type Deps struct {
	Accumulator *service.Accumulator
	Queries     *service.QueryService
	Usage       *usage.Engine
	Rollup      *rollup.Job
	Validator   *validator.Validator
	Location    *time.Location
	Logger      *zap.Logger
}

func NewServer(d Deps) *Server {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return &Server{
		accumulator: d.Accumulator,
		queries:     d.Queries,
		usage:       d.Usage,
		rollup:      d.Rollup,
		validator:   d.Validator,
		loc:         loc,
		logger:      d.Logger,
		now:         time.Now,
	}
}

// Router builds the chi router with every route mounted
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices/faulty", s.handleFaultyDevices)
		r.Route("/devices/{ref}", func(r chi.Router) {
			r.Post("/readings", s.handleRecordReading)
			r.Get("/readings", s.handleListReadings)
			r.Get("/readings/latest", s.handleLatestReading)
			r.Get("/stats/{periodType}/{periodStart}", s.handleEnergyStats)
		})
		r.Get("/usage", s.handleUsageSeries)
		r.Get("/usage/top", s.handleMostUsed)
		r.Post("/rollups/daily", s.handleRollup)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrStorageFailure):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"retryable": apperr.Retryable(err),
	})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, fmt.Errorf("%w: %s", apperr.ErrInvalidInput, fmt.Sprintf(format, args...)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func deviceRef(r *http.Request) telemetry.DeviceRef {
	return telemetry.ParseDeviceRef(chi.URLParam(r, "ref"))
}

func (s *Server) handleRecordReading(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		badRequest(w, "failed to read body: %v", err)
		return
	}

	parsed := s.validator.ParsePayload(body, s.now().UTC())
	result, err := s.accumulator.RecordReading(r.Context(), deviceRef(r), parsed.Measurement)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"reading": result.Reading,
		"mode":    result.Mode,
		"empty":   result.Empty,
		"fault":   result.Current,
		"issues":  parsed.Issues,
	})
}

func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	reading, err := s.queries.LatestReading(r.Context(), deviceRef(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	to := s.now()
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "invalid to parameter %q", v)
			return
		}
		to = t
	}
	from := to.Add(-defaultListRange)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "invalid from parameter %q", v)
			return
		}
		from = t
	}

	readings, err := s.queries.ListReadings(r.Context(), deviceRef(r), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleEnergyStats(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.DateOnly, chi.URLParam(r, "periodStart"))
	if err != nil {
		badRequest(w, "period start must be YYYY-MM-DD")
		return
	}

	stat, err := s.queries.EnergyStats(r.Context(), deviceRef(r), chi.URLParam(r, "periodType"), start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) handleFaultyDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.queries.FaultyDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// scope reads user_id and device query parameters
func (s *Server) scope(r *http.Request) (repository.Scope, error) {
	var scope repository.Scope
	q := r.URL.Query()

	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return scope, fmt.Errorf("%w: invalid user_id %q", apperr.ErrInvalidInput, v)
		}
		scope.UserID = id
	}

	if v := q.Get("device"); v != "" {
		device, err := s.queries.ResolveDevice(r.Context(), telemetry.ParseDeviceRef(v))
		if err != nil {
			return scope, err
		}
		scope.DeviceID = device.ID
	}
	return scope, nil
}

func (s *Server) handleUsageSeries(w http.ResponseWriter, r *http.Request) {
	scope, err := s.scope(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rangeName := r.URL.Query().Get("range")
	points, err := s.usage.UsageSeries(r.Context(), scope, rangeName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range":  rangeName,
		"points": points,
	})
}

func (s *Server) handleMostUsed(w http.ResponseWriter, r *http.Request) {
	scope, err := s.scope(r)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := defaultTopLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "invalid limit %q", v)
			return
		}
		limit = l
	}

	rangeName := r.URL.Query().Get("range")
	ranking, err := s.usage.MostUsedDevices(r.Context(), scope, rangeName, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range":   rangeName,
		"devices": ranking,
	})
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	var (
		report rollup.Report
		err    error
	)
	if v := r.URL.Query().Get("date"); v != "" {
		day, perr := time.ParseInLocation(time.DateOnly, v, s.loc)
		if perr != nil {
			badRequest(w, "date must be YYYY-MM-DD")
			return
		}
		report, err = s.rollup.RollupDay(r.Context(), day)
	} else {
		report, err = s.rollup.Run(r.Context(), s.now())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HTTPServer runs the router on the service port
type HTTPServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewHTTPServer creates an HTTP server for handler on port
func NewHTTPServer(handler http.Handler, port int, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start listens in the background
func (h *HTTPServer) Start() {
	go func() {
		h.logger.Info("http server listening", zap.String("addr", h.srv.Addr))
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests until ctx expires
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
