// Package api provides the optional HTTP status and control server for a
// running scan: progress snapshots, pause/resume/quit control, a websocket
// progress stream and Prometheus metrics.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/logging"
	"github.com/anstrom/ollamascan/internal/runstate"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 5 * time.Second
	readHeaderTimeout     = 5 * time.Second
	idleTimeout           = 60 * time.Second
)

// Server is the status and control server for one run.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	state      *runstate.State
	registry   *prometheus.Registry
	logger     *logging.Logger
	interval   time.Duration
	startTime  time.Time
	stream     *progressStream
}

// New creates a server for state. A nil registry disables /metrics.
func New(cfg config.StatusConfig, state *runstate.State, registry *prometheus.Registry, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	s := &Server{
		router:    mux.NewRouter(),
		state:     state,
		registry:  registry,
		logger:    logger.WithComponent("api"),
		interval:  interval,
		startTime: time.Now(),
	}
	s.stream = newProgressStream(state, interval, s.logger, cfg.AllowedOrigins)

	s.setupRoutes()
	s.setupMiddleware(cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer.Addr = ln.Addr().String()
	s.logger.Info("Starting status server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("status server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the server and closes websocket streams.
func (s *Server) Stop() error {
	s.logger.Info("Stopping status server")
	s.stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Status server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/progress", s.progressHandler).Methods(http.MethodGet)
	api.HandleFunc("/control/{event}", s.controlHandler).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.stream.ServeHTTP).Methods(http.MethodGet)

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
			Registry: s.registry,
		})).Methods(http.MethodGet)
	}
}

func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(false)))
	s.router.Use(s.loggingMiddleware)

	if len(origins) > 0 {
		s.router.Use(handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		))
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlResponse reports the effect of a control event.
type ControlResponse struct {
	Event   string            `json:"event"`
	Changed bool              `json:"changed"`
	State   runstate.Snapshot `json:"state"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"phase":       snap.Phase,
		"dispatching": snap.Accepting,
		"in_flight":   snap.InFlight,
		"uptime":      time.Since(s.startTime).String(),
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.state.Snapshot())
}

func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["event"]
	event, err := runstate.ParseEvent(raw)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	changed := s.state.Apply(event)
	s.logger.Info("Control event received",
		"event", event.String(),
		"changed", changed,
		"remote_addr", r.RemoteAddr)

	s.writeJSON(w, r, http.StatusOK, ControlResponse{
		Event:   event.String(),
		Changed: changed,
		State:   s.state.Snapshot(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.logger.Warn("API error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"error", err)

	s.writeJSON(w, r, statusCode, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is needed by the websocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
