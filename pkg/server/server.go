package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/m-mizutani/cricai/pkg/model"
	"github.com/m-mizutani/cricai/pkg/policy"
	"github.com/m-mizutani/cricai/pkg/session"
	"github.com/m-mizutani/cricai/pkg/usecase/match"
	"github.com/m-mizutani/cricai/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Tracker is the match state served over HTTP
type Tracker interface {
	ListMatches(ctx context.Context) ([]*model.Match, error)
	Select(ctx context.Context, matchURL string, innings model.Innings) (*match.Selection, error)
	Selection() (*match.Selection, error)
	Commentary() (*match.Commentary, error)
	RefreshCommentary(ctx context.Context) (*match.Commentary, error)
	RefreshIndex(ctx context.Context) (int, error)
	StartCommentary(ctx context.Context) bool
	StartIndexing(ctx context.Context) bool
	Running(task policy.Task) bool
	Stop(ctx context.Context, task policy.Task) error
	Ask(ctx context.Context, sessionID, question string) (string, error)
	Sessions() *session.Manager
}

const shutdownTimeout = 30 * time.Second

type Server struct {
	tracker Tracker
	handler http.Handler
	version string
	mounts  map[string]http.Handler

	matchesMu sync.Mutex
	matches   []*model.Match
}

type Option func(*Server)

func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithMount serves h under pattern next to the API, e.g. the MCP endpoint
func WithMount(pattern string, h http.Handler) Option {
	return func(s *Server) {
		s.mounts[pattern] = h
	}
}

func New(tracker Tracker, opts ...Option) *Server {
	s := &Server{
		tracker: tracker,
		version: "dev",
		mounts:  make(map[string]http.Handler),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/matches", s.handleListMatches)
	mux.HandleFunc("GET /api/match", s.handleGetSelection)
	mux.HandleFunc("POST /api/match", s.handleSelect)

	mux.HandleFunc("GET /api/commentary", s.handleGetCommentary)
	mux.HandleFunc("POST /api/commentary/refresh", s.handleRefreshCommentary)
	mux.HandleFunc("POST /api/index/refresh", s.handleRefreshIndex)

	mux.HandleFunc("GET /api/pollers", s.handleListPollers)
	mux.HandleFunc("POST /api/pollers/{name}/start", s.handleStartPoller)
	mux.HandleFunc("POST /api/pollers/{name}/stop", s.handleStopPoller)

	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)

	for pattern, h := range s.mounts {
		mux.Handle(pattern, h)
	}

	s.handler = recoverer(requestLogger(mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return goerr.Wrap(err, "failed to listen", goerr.V("addr", addr))
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger := logging.From(ctx)
	httpServer := &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return goerr.Wrap(err, "server stopped unexpectedly")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return goerr.Wrap(err, "failed to shutdown server")
	}
	return nil
}
