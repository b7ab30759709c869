package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"example.com/basichttpd/internal/config"
	"example.com/basichttpd/internal/http1"
	"example.com/basichttpd/internal/logger"
	"example.com/basichttpd/internal/metrics"
	"example.com/basichttpd/internal/util"
)

const maxAcceptDelay = time.Second

// RequestRouter produces the response for a parsed request. Implementations
// are shared by every connection goroutine and must be safe for concurrent use.
type RequestRouter interface {
	Route(req *http1.Request) *http1.Response
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records connection and request metrics in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Server) { s.metrics = reg }
}

// WithResponseBuilder replaces the builder created from server.server_name.
func WithResponseBuilder(b *http1.ResponseBuilder) Option {
	return func(s *Server) { s.builder = b }
}

// Server accepts TCP connections and serves each one on its own goroutine.
type Server struct {
	cfg     *config.ServerConfig
	log     *logger.Logger
	router  RequestRouter
	builder *http1.ResponseBuilder
	metrics *metrics.Registry

	mu          sync.Mutex
	listener    net.Listener
	activeConns map[*conn]struct{}
	inShutdown  atomic.Bool
	connWG      sync.WaitGroup
}

// NewServer creates a Server. cfg must have had defaults applied.
func NewServer(cfg *config.Config, lg *logger.Logger, router RequestRouter, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}
	if err := checkServerConfig(cfg.Server); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg.Server,
		log:         lg,
		router:      router,
		activeConns: make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.builder == nil {
		s.builder = http1.NewResponseBuilder(*cfg.Server.ServerName)
	}
	return s, nil
}

// checkServerConfig rejects the unset fields a connection reads, so a config
// that skipped ApplyDefaults fails here rather than on the first accept.
func checkServerConfig(sc *config.ServerConfig) error {
	if sc.ServerName == nil || *sc.ServerName == "" {
		return fmt.Errorf("server.server_name is not set")
	}
	if sc.ReadBufferSize == nil || *sc.ReadBufferSize <= 0 {
		return fmt.Errorf("server.read_buffer_size must be positive")
	}
	if sc.MaxHeaderBytes == nil || *sc.MaxHeaderBytes <= 0 {
		return fmt.Errorf("server.max_header_bytes must be positive")
	}
	switch sc.ReadMode {
	case config.ReadModeSingle, config.ReadModeFramed:
	default:
		return fmt.Errorf("server.read_mode %q is not supported", sc.ReadMode)
	}
	return nil
}

// ListenAndServe binds server.address:server.port and serves until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.ListenAddress()
	ln, err := util.CreateListener(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Close is called,
// then returns nil. Cancellation stops accepting only; connections already
// being served run until their clients are done. Use Shutdown to wait for them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	maxConns := 0
	if s.cfg.MaxConnections != nil {
		maxConns = *s.cfg.MaxConnections
	}
	ln = util.LimitListener(ln, maxConns)

	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server is already serving on %s", s.listener.Addr())
	}
	if s.inShutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.log.Info("Server listening", logger.LogFields{
		"address":      ln.Addr().String(),
		"read_mode":    string(s.cfg.ReadMode),
		"strict":       s.cfg.StrictMethods != nil && *s.cfg.StrictMethods,
		"server_name":  *s.cfg.ServerName,
		"max_conns":    maxConns,
		"idle_timeout": s.idleTimeout().String(),
	})

	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return nil
			}
			if util.IsTemporary(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > maxAcceptDelay {
					tempDelay = maxAcceptDelay
				}
				s.log.Warn("Accept error, retrying", logger.LogFields{"error": err.Error(), "delay": tempDelay.String()})
				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return fmt.Errorf("accept on %s failed: %w", ln.Addr(), err)
		}
		tempDelay = 0

		c := s.newConn(nc)
		if !s.trackConn(c, true) {
			nc.Close()
			return nil
		}
		go func() {
			defer s.connWG.Done()
			defer s.trackConn(c, false)
			c.serve()
		}()
	}
}

// Addr returns the listening address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections. Connections already being served are
// left alone.
func (s *Server) Close() error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// Shutdown closes the listener and waits for open connections to finish. When
// ctx expires first, the remaining connections are closed and ctx.Err() is
// returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	n := len(s.activeConns)
	for c := range s.activeConns {
		c.close()
	}
	s.mu.Unlock()
	s.log.Warn("Shutdown grace period expired, closed open connections", logger.LogFields{"connections": n})
	<-done
	return ctx.Err()
}

// ActiveConnections returns the number of connections currently being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConns)
}

func (s *Server) trackConn(c *conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.activeConns[c] = struct{}{}
		s.connWG.Add(1)
	} else {
		delete(s.activeConns, c)
	}
	return true
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.KeepAliveTimeout == nil {
		return 0
	}
	return s.cfg.KeepAliveTimeout.Duration
}
