// Package httpapi exposes the ranking engine over HTTP: the rank and
// search endpoints plus the operational surface (status, stats, metrics).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/caredirect/medrank/internal/metrics"
	"github.com/caredirect/medrank/pkg/medrank"
	"github.com/caredirect/medrank/pkg/medrank/internalerr"
)

// Options configures the HTTP server.
type Options struct {
	Engine   *medrank.Engine
	Recorder *metrics.Recorder
	Logger   *zap.Logger
	Version  string
	// Metrics serves GET /metrics; defaults to the global prometheus
	// handler when nil.
	Metrics http.Handler
}

// Server holds the handler dependencies.
type Server struct {
	engine   *medrank.Engine
	recorder *metrics.Recorder
	logger   *zap.Logger
	validate *validator.Validate
	version  string
	metrics  http.Handler
	started  time.Time
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mh := opts.Metrics
	if mh == nil {
		mh = promhttp.Handler()
	}
	return &Server{
		engine:   opts.Engine,
		recorder: opts.Recorder,
		logger:   logger,
		validate: validator.New(),
		version:  opts.Version,
		metrics:  mh,
		started:  time.Now(),
	}
}

// Router builds the chi router with the middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Post("/api/rank", s.handleRank)
	r.Get("/api/search", s.handleSearch)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/stats", s.handleStats)
	r.Handle("/metrics", s.metrics)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFromErr maps engine errors onto HTTP codes: invalid input is the
// caller's fault, everything else means all fallbacks were exhausted.
func statusFromErr(err error) int {
	if errors.Is(err, internalerr.ErrInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
