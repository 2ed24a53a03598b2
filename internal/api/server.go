// Package api provides the HTTP server for docreview: the review job REST
// surface and the live progress streams (SSE and WebSocket).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/docreview/internal/broadcast"
	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/health"
	"github.com/tutu-network/docreview/internal/runner"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// StreamConfig tunes the push endpoints.
type StreamConfig struct {
	Keepalive     time.Duration // idle keepalive cadence
	AttachPoll    time.Duration // broadcaster lookup interval while waiting
	AttachMaxWait time.Duration // give up waiting for a run to start
	ClientBuffer  int           // events queued per client before dropping
	WriteWait     time.Duration // WebSocket write deadline
}

// Config tunes the server.
type Config struct {
	RequestTimeout time.Duration // REST routes only
	CORS           bool
	Stream         StreamConfig
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		CORS:           true,
		Stream: StreamConfig{
			Keepalive:     10 * time.Second,
			AttachPoll:    500 * time.Millisecond,
			AttachMaxWait: 2 * time.Minute,
			ClientBuffer:  64,
			WriteWait:     10 * time.Second,
		},
	}
}

// Server is the docreview HTTP API server.
type Server struct {
	store          domain.JobStore
	runner         *runner.Runner
	registry       *broadcast.Registry
	health         *health.Checker
	validate       *validator.Validate
	cfg            Config
	metricsEnabled bool
}

// NewServer creates a new API server. Zero config fields fall back to
// DefaultConfig.
func NewServer(store domain.JobStore, r *runner.Runner, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Stream.Keepalive <= 0 {
		cfg.Stream.Keepalive = def.Stream.Keepalive
	}
	if cfg.Stream.AttachPoll <= 0 {
		cfg.Stream.AttachPoll = def.Stream.AttachPoll
	}
	if cfg.Stream.AttachMaxWait <= 0 {
		cfg.Stream.AttachMaxWait = def.Stream.AttachMaxWait
	}
	if cfg.Stream.ClientBuffer <= 0 {
		cfg.Stream.ClientBuffer = def.Stream.ClientBuffer
	}
	if cfg.Stream.WriteWait <= 0 {
		cfg.Stream.WriteWait = def.Stream.WriteWait
	}
	return &Server{
		store:    store,
		runner:   r,
		registry: r.Registry(),
		validate: validator.New(),
		cfg:      cfg,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth attaches the checker reported by /health.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.CORS {
		r.Use(corsMiddleware)
	}

	r.Get("/health", s.handleHealth)

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	r.Route("/reviews", func(r chi.Router) {
		// Streams are long-lived; the request timeout applies to REST only.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Get("/{id}/status", s.handleStatus)
			r.Post("/{id}/rerun", s.handleRerun)
		})
		r.Get("/{id}/stream", s.handleStream)
		r.Get("/{id}/ws", s.handleWebSocket)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
