// Package server exposes the sync engine over HTTP: the peer WebSocket
// endpoint other devices dial, manual sync triggers, and profile export and
// import.
package server

import (
	"context"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cradle/bridge"
	"github.com/teranos/cradle/cache"
	"github.com/teranos/cradle/errors"
	syncPkg "github.com/teranos/cradle/sync"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// maxImportBytes caps an uploaded shared profile.
const maxImportBytes = 16 << 20

// ServerState is the lifecycle state of a Server.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// Options configures a Server.
type Options struct {
	// Name is this device's name, sent to peers.
	Name string
	// AllowedOrigins are origin prefixes accepted on WebSocket upgrades.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
	// Ticker, when set, records manual peer syncs in its status table.
	Ticker *syncPkg.Ticker
	// Bridge, when set, is reported in the status endpoint.
	Bridge *bridge.Bridge
	Logger *zap.SugaredLogger
}

// Server is the cradle HTTP server.
type Server struct {
	cache  *cache.Cache
	engine *syncPkg.Engine
	opts   Options
	logger *zap.SugaredLogger

	mux        *http.ServeMux
	mu         gosync.Mutex
	httpServer *http.Server
	state      atomic.Int32
	wg         gosync.WaitGroup

	// peerSessions counts inbound peer sessions in flight.
	peerSessions atomic.Int32
}

// New creates a server over c and e and registers its routes.
func New(c *cache.Cache, e *syncPkg.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Name == "" {
		opts.Name = "cradle"
	}
	s := &Server{
		cache:  c,
		engine: e,
		opts:   opts,
		logger: opts.Logger,
		mux:    http.NewServeMux(),
	}
	s.setupHTTPRoutes()
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Start listens on port, or the nearest free alternative, and serves until
// Stop is called or ctx is done. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context, port int) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	srv := &http.Server{
		Addr:              addrFor(actualPort),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	s.setState(ServerStateRunning)

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			if s.getState() == ServerStateRunning {
				if err := s.Stop(); err != nil {
					s.logger.Warnw("Server shutdown failed", "error", err)
				}
			}
		case <-done:
		}
	}()

	s.logger.Infow("Server ready", "port", actualPort, "device", s.opts.Name)
	err = srv.ListenAndServe()
	close(done)
	s.wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "listen on port %d", actualPort)
	}
	return nil
}

// Stop drains in-flight requests, peer sessions included, then closes the
// listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Infow("Initiating server shutdown", "peer_sessions", s.peerSessions.Load())
	s.setState(ServerStateDraining)

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil {
		s.logger.Warnw("Graceful shutdown timed out, closing connections", "timeout", ShutdownTimeout)
		err = srv.Close()
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return err
}
