// Package ops implements the per-process operational HTTP listener:
// health, Prometheus metrics, build info and a live event tap.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetline/fleetline/internal/buildinfo"
	"github.com/fleetline/fleetline/internal/config"
	"github.com/fleetline/fleetline/internal/events"
)

const (
	healthCheckTimeout = 2 * time.Second
	eventTapBuffer     = 64
	wsPingInterval     = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) bool

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the operational HTTP server. Every fleetd role runs one.
type Server struct {
	address string
	port    int
	checks  map[string]Check
	events  *events.Bus
	logger  *slog.Logger
	server  *http.Server
	mounts  []func(mux *http.ServeMux)

	upgrader websocket.Upgrader
}

// NewServer creates an ops server; dependency checks are registered
// with AddCheck before Start.
func NewServer(cfg config.OpsConfig, evs *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		checks:  make(map[string]Check),
		events:  evs,
		logger:  logger.With("component", "ops"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// AddCheck registers a named dependency health check. Not safe to call
// after Start.
func (s *Server) AddCheck(name string, c Check) {
	s.checks[name] = c
}

// Mount registers additional routes on the ops listener, such as the
// ingestor's HTTP intake. Not safe to call after Start.
func (s *Server) Mount(fn func(mux *http.ServeMux)) {
	s.mounts = append(s.mounts, fn)
}

// Routes returns the handler tree, exposed for tests.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /events", s.handleEvents)
	for _, fn := range s.mounts {
		fn(mux)
	}
	return mux
}

// Start begins serving and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting ops server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	results := make(map[string]bool, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		ok := check(ctx)
		results[name] = ok
		if !ok {
			healthy = false
		}
	}

	status := "ok"
	if !healthy {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  status,
		"checks":  results,
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleEvents upgrades to a websocket and streams the process event
// bus until the client goes away. Slow clients miss events rather than
// backing up publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event tap upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(eventTapBuffer)
	defer s.events.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader only watches for the client closing the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event tap write failed", "error", err)
				}
				return
			}
		}
	}
}
