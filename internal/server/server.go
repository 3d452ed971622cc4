// Package server exposes the session service over HTTP: the pairing
// WebSocket endpoint, the status and health surfaces, and Prometheus
// metrics. Connection upgrades hand the socket straight to an endpoint; the
// server itself never reads a WebSocket frame.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/cors"

	"github.com/oceanchat/session-server/internal/coordinator"
	"github.com/oceanchat/session-server/internal/endpoint"
	"github.com/oceanchat/session-server/internal/metrics"
	"github.com/oceanchat/session-server/internal/ratelimit"
	"github.com/oceanchat/session-server/internal/score"
)

// Config holds tunable parameters for the HTTP server.
type Config struct {
	ListenAddr   string        // address to listen on, e.g. ":3000"
	ReadTimeout  time.Duration // per-connection idle deadline
	WriteTimeout time.Duration // per-frame write deadline
}

// DefaultConfig returns production defaults matching the pairing protocol:
// port 3000 and the 120s idle timeout.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":3000",
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server routes HTTP traffic to the coordinator.
type Server struct {
	config     Config
	coord      *coordinator.Coordinator
	limiter    *ratelimit.Limiter // nil disables connection throttling
	httpServer *http.Server
	startedAt  time.Time
}

// New creates a server. limiter may be nil.
func New(config Config, coord *coordinator.Coordinator, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:  config,
		coord:   coord,
		limiter: limiter,
	}
}

// Handler builds the route table, CORS-wrapped for browser clients.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pair/{scores}/{id}", s.handlePair)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return cors.AllowAll().Handler(mux)
}

// Start configures the routes and blocks on ListenAndServe until Shutdown.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	log.Printf("server: listening on %s", s.config.ListenAddr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight HTTP requests.
// Live WebSockets are owned by the coordinator, which closes them when its
// context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handlePair validates the path, upgrades to WebSocket, and admits the user.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	scores, err := score.Parse(r.PathValue("scores"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
		if !ok {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("server: upgrade failed id=%s: %v", id, err)
		return
	}

	ep := endpoint.New(conn, id, scores, s.coord.Events(), endpoint.Config{
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		MailboxSize:  32,
	})
	s.coord.Enqueue(ep)

	log.Printf("server: new connection id=%s scores=%s", id, scores)
}

// handleStatus reports the user's status as a JSON string, e.g. "Waiting".
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleStatus)
		if !ok {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := s.coord.Status(ctx, id)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// handleHealth responds with the server's health status as JSON, including
// container counts and uptime, for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := s.coord.Counts()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Waiting     int    `json:"waiting"`
		Idle        int    `json:"idle"`
		Pairs       int    `json:"pairs"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: counts.Connections,
		Waiting:     counts.Waiting,
		Idle:        counts.Idle,
		Pairs:       counts.Pairs,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// clientIP extracts the caller's address, honoring X-Forwarded-For from the
// load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
