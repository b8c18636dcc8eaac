// Package web provides the ops HTTP surface: health checks, runtime
// status, and a config reload trigger.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nmtri/pencraft/internal/buildinfo"
	"github.com/nmtri/pencraft/internal/config"
	"github.com/nmtri/pencraft/internal/convo"
	"github.com/nmtri/pencraft/internal/ratelimit"
	"github.com/nmtri/pencraft/internal/router"
)

// Server exposes operational endpoints.
type Server struct {
	logger  *slog.Logger
	manager *config.Manager
	store   *convo.Store
	limiter *ratelimit.Limiter
	router  *router.Router
}

// NewServer creates the ops server.
func NewServer(manager *config.Manager, store *convo.Store, limiter *ratelimit.Limiter, r *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger.With("component", "web"),
		manager: manager,
		store:   store,
		limiter: limiter,
		router:  r,
	}
}

// Routes returns the ops mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /config/reload", s.handleReload)
	return mux
}

// Run serves the ops endpoints until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("ops server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":         buildinfo.Info(),
		"conversations": s.store.Count(),
		"rate_limited":  s.limiter.Count(),
		"router":        s.router.Stats(),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.Reload()
	if err != nil {
		s.logger.Error("config reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":            true,
		"transport_reconnect": result.TransportReconnect,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
