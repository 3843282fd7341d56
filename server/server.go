// Package server accepts TCP connections and runs one protocol session per
// connection on a bounded worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"library-lending/library"
)

// ErrServerStopped is returned by Start and Serve after Stop was called.
var ErrServerStopped = errors.New("server stopped")

const maxAcceptDelay = time.Second

// Config configures the acceptor and its sessions.
type Config struct {
	Addr          string
	MaxWorkers    int
	IdleTimeout   time.Duration // zero disables the idle limit
	ShutdownGrace time.Duration
	MaxLineBytes  int
}

func (c *Config) setDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 64 * 1024
	}
}

// Option configures server instances.
type Option func(*Server)

// WithLogger supplies a custom logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records connection and request metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server owns the listening socket and the session workers.
type Server struct {
	cfg     Config
	manager *library.LibraryManager
	logger  *zap.Logger
	metrics *Metrics

	// baseCtx is never cancelled by Stop, so a request already dispatched
	// runs its transaction to completion.
	baseCtx  context.Context
	stopping *atomic.Bool
	stopCh   chan struct{}
	workers  sync.WaitGroup

	mu        sync.Mutex
	stopped   bool
	listener  net.Listener
	conns     map[net.Conn]struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
}

// New creates a server dispatching requests to manager.
func New(cfg Config, manager *library.LibraryManager, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		logger:   zap.NewNop(),
		baseCtx:  context.Background(),
		stopping: atomic.NewBool(false),
		stopCh:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		readyCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

// Start binds cfg.Addr and serves until Stop is called. A bind failure is
// returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called, then waits for every
// session to end. When all workers are busy the accept loop blocks; no
// connection is rejected.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerStopped
	}
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening",
		zap.String("address", ln.Addr().String()),
		zap.Int("max_workers", s.cfg.MaxWorkers))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxWorkers)
	defer func() { _ = g.Wait() }()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.metrics.AcceptError()
			s.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-s.stopCh:
			}
			continue
		}
		delay = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		g.Go(func() error {
			defer s.workers.Done()
			defer s.untrack(conn)
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	if s.stopping.Load() {
		return
	}
	s.metrics.SessionStart()
	defer s.metrics.SessionDone()

	sess := newSession(s, conn)
	sess.logger.Info("connection accepted")
	sess.run()
	sess.logger.Info("connection closed")
}

// track registers conn and reserves a worker for it. It refuses once Stop
// has begun, so Stop never waits on a worker added after it started waiting.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	s.workers.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) trackedConns() []net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stop stops accepting, lets every session finish the request it is
// handling, and waits up to the grace period before closing the remaining
// connections. It is safe to call more than once and concurrently with Serve.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopping.Store(true)
	close(s.stopCh)
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("close listener: %w", cerr)
		}
	}

	// Sessions blocked waiting for their next request wake up immediately.
	// A session in the middle of a request only notices on its next read.
	conns := s.trackedConns()
	s.logger.Info("stopping", zap.Int("sessions", len(conns)), zap.Duration("grace", s.cfg.ShutdownGrace))
	for _, c := range conns {
		_ = c.SetReadDeadline(time.Now())
	}

	if !s.waitWorkers(s.cfg.ShutdownGrace) {
		remaining := s.trackedConns()
		s.logger.Warn("grace period elapsed, closing connections", zap.Int("sessions", len(remaining)))
		for _, c := range remaining {
			_ = c.Close()
		}
		s.workers.Wait()
	}
	s.logger.Info("stopped")
	return err
}

func (s *Server) waitWorkers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}
