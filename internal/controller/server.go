// Package controller contains the HTTP API of the agent.
package controller

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"devopsagent/internal/controller/handlers"
	"devopsagent/internal/controller/middleware"
)

// Server is the HTTP server for the agent API.
type Server struct {
	httpServer *http.Server
}

// Options carries the optional collaborators of the server.
type Options struct {
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// SubmitLimiter throttles POST /api/deploy when set.
	SubmitLimiter *middleware.RateLimiter
	Logger        *slog.Logger
}

// New creates a new agent server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	// Long-lived log streams end when shutdown begins.
	baseCtx, cancel := context.WithCancel(context.Background())

	srv := &http.Server{
		Addr:         addr,
		Handler:      NewHandler(h, opts),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)

	return &Server{httpServer: srv}
}

// NewHandler builds the routed handler chain.
func NewHandler(h *handlers.Handlers, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	submit := http.Handler(http.HandlerFunc(h.SubmitDeploy))
	if opts.SubmitLimiter != nil {
		submit = opts.SubmitLimiter.Middleware()(submit)
	}

	mux := http.NewServeMux()

	mux.Handle("POST /api/deploy", submit)
	mux.HandleFunc("GET /api/deploy/{id}", h.GetDeploy)
	mux.HandleFunc("GET /api/deploy/{id}/logs", h.StreamLogs)
	mux.HandleFunc("GET /api/deploy/{id}/logs/ws", h.StreamLogsWS)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return middleware.RequestID(logger)(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
