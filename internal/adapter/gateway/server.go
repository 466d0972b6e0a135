package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"isa-warehouse/internal/infra/middleware"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       *middleware.RateLimitConfig // nil = no rate limiting
}

// Server hosts the API and, when a feed is given, the /ws event feed.
type Server struct {
	opts      ServerOptions
	api       *API
	feed      *Feed
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
}

// NewServer creates the HTTP server. feed may be nil.
func NewServer(opts ServerOptions, api *API, feed *Feed, logger *slog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{opts: opts, api: api, feed: feed, logger: logger, ready: make(chan struct{})}
}

// Handler builds the routed handler with the middleware chain.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	s.api.Register(mux)
	if s.feed != nil {
		mux.Handle("GET /ws", s.feed)
	}

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
	}
	if s.opts.RateLimit != nil {
		mws = append(mws, middleware.RateLimit(ctx, *s.opts.RateLimit))
	}
	return middleware.Chain(mux, mws...)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: s.opts.ReadTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}
	close(s.ready)
	s.logger.Info("gateway started", "addr", s.boundAddr, "events", s.feed != nil)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Stop closes feed connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.feed != nil {
		s.feed.Close()
	}
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string { return s.boundAddr }
