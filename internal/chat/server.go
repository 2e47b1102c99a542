package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const outboundQueueSize = 32

// Config carries the knobs the core consumes. Zero values fall back to the
// documented defaults; CommandRate 0 disables rate limiting.
type Config struct {
	Addr           string
	MaxClients     int
	MaxUsernameLen int
	MaxMessageLen  int
	IdleTimeout    time.Duration
	ShutdownGrace  time.Duration
	CommandRate    float64 // commands per second per connection
	CommandBurst   int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":4000"
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 100
	}
	if c.MaxUsernameLen <= 0 {
		c.MaxUsernameLen = 20
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = 1000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 20
	}
	return c
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	reg      *Registry
	listener net.Listener
	handlers sync.WaitGroup
	released chan struct{} // closed during Stop to let writers drain and exit
	stopOnce sync.Once
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		reg:      NewRegistry(128, cfg, logger),
		released: make(chan struct{}),
	}
}

// Start binds the listener and launches the registry and accept loops.
// A bind failure is returned to the caller and is fatal there.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	go s.reg.Run()
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop performs graceful shutdown: every session is notified, writers flush,
// and handlers get a bounded grace period to drain before Stop returns.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	s.logger.Info("shutting down")

	if s.listener != nil {
		_ = s.listener.Close()
	}

	// The registry queues INFO server-shutting-down for every session before
	// its loop exits; releasing the writers then flushes and closes conns.
	s.reg.Stop()
	s.reg.Wait()
	close(s.released)

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("grace period expired with sessions still draining", "grace", s.cfg.ShutdownGrace)
	}

	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("transient accept error", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			s.logger.Error("accept failed", "error", err)
			return
		}
		s.admit(conn)
	}
}

// admit runs the capacity check before any handler exists. A rejected
// connection gets ERR server-full written directly and is closed.
func (s *Server) admit(conn net.Conn) {
	c := &Client{
		Conn:        conn,
		ID:          conn.RemoteAddr().String(),
		Out:         make(chan string, outboundQueueSize),
		ConnectedAt: time.Now(),
	}

	reply := make(chan error, 1)
	if !s.reg.Dispatch(Event{Type: EventAdmit, Client: c, ReplyChan: reply}) {
		_ = conn.Close()
		return
	}
	var err error
	select {
	case err = <-reply:
	case <-s.reg.Done():
		_ = conn.Close()
		return
	}
	if err != nil {
		s.logger.Warn("connection rejected", "addr", c.ID, "error", err)
		_, _ = conn.Write([]byte("ERR " + err.Error() + "\n"))
		_ = conn.Close()
		return
	}

	s.logger.Info("client connected", "addr", c.ID)

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		HandleSession(c, s.reg, s.cfg, s.logger, s.released)
	}()
}
