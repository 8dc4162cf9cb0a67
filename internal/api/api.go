// internal/api/api.go
// Provides the HTTP server: WebSocket endpoint, health, metrics and admin routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erilali/fanout/internal/config"
	"github.com/erilali/fanout/internal/hub"
	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/message"
)

const (
	Version           = "1.0.0"
	readHeaderTimeout = 10 * time.Second
	greeting          = "Hello from the fanout hub!"
)

// Server exposes a Hub over HTTP.
type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	logger   *logger.Logger
	gatherer prometheus.Gatherer
}

// NewServer creates a Server. A nil gatherer disables /metrics.
func NewServer(cfg config.Config, h *hub.Hub, log *logger.Logger, gatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = logger.NewLogger("server")
	}
	return &Server{cfg: cfg, hub: h, logger: log, gatherer: gatherer}
}

// Routes returns the server's handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/ws", s.hub.ServeWs)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/hello", s.handleHello).Methods(http.MethodGet)
	r.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}", s.handleCloseConnection).Methods(http.MethodDelete)
	return r
}

// Serve listens on the configured address and serves until ctx is done.
// A bind failure is returned immediately.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done, then stops accepting and
// shuts the hub down within the configured timeout.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          stdlog.New(s.logger.Writer(), "", 0),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Infof("Server started at %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("HTTP server shutdown: %v", err)
	}
	if err := s.hub.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, message.Greeting{Message: greeting})
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "Hello route!")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, message.Health{
		Status:      "ok",
		Connections: s.hub.Len(),
		Relay:       s.hub.RelayStatus(),
		Version:     Version,
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.hub.Snapshot()
	infos := make([]message.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, message.ConnectionInfo{
			ID:          c.ID(),
			RemoteAddr:  c.RemoteAddr(),
			ConnectedAt: c.ConnectedAt().UTC().Format(time.RFC3339),
			State:       c.State().String(),
		})
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.hub.CloseConnection(id) {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	s.logger.Infof("Connection %s closed by admin request from %s", id, r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("Failed to encode response: %v", err)
	}
}
