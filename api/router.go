// Package api exposes the bridge over HTTP: conversation lifecycle, message
// dispatch, the SSE event stream, tool-approval control records, page
// snapshots, and diagnostics. Routing uses gorilla/mux; responses share the
// Response envelope in response.go.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// NewRouter creates the API router with all routes and global middleware.
// The middleware wraps the router rather than using mux's Use so that CORS
// preflights and unmatched requests still pass through it.
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/conversations", h.CreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations", h.ListConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", h.GetConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", h.DeleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id}/messages", h.SendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/stream", h.Stream).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/approve", h.Approve).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/deny", h.Deny).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/snapshot", h.PutSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/elements", h.QueryElements).Methods(http.MethodGet)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/auth/status", h.AuthStatus).Methods(http.MethodGet)

	return Logging(Recovery(CORS(r)))
}

// Server wraps the HTTP server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, log *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: handler,
			// No WriteTimeout: SSE responses are long-lived.
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
