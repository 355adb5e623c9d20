// Package server runs the TCP accept loop that feeds internal/session: it
// owns the listening socket, applies the configured socket options to each
// accepted connection (spec §6: socket-keepalive, socket-linger,
// socket-{rcv,snd}buf, socket-reuseaddr, tcp-nodelay), and gates both the
// accept rate and the number of connections being served at once.
//
// The accept-loop/gating shape is grounded on the teacher's
// tunnel.Server.Serve (one goroutine per accepted net.Conn, a
// golang.org/x/time/rate.Limiter checked before accepting, a buffered
// channel used as a handshake semaphore) — generalized from the teacher's
// fixed reverse-tunnel handshake to calling internal/session.Serve for the
// full transport/userauth/connection stack.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nodeforge/sshd/internal/config"
	"github.com/nodeforge/sshd/internal/session"
)

// Stats is the minimal counter surface the admin HTTP API polls.
type Stats interface {
	IncAccepted()
	IncRejected()
	SessionOpened()
	SessionClosed()
}

type noopStats struct{}

func (noopStats) IncAccepted()   {}
func (noopStats) IncRejected()   {}
func (noopStats) SessionOpened() {}
func (noopStats) SessionClosed() {}

// SessionFactory builds the per-connection session.Config; it is called
// once per accepted connection so embedders can vary auth/channel
// factories per listener (e.g. a different host key per bind address).
type SessionFactory func(conn net.Conn) session.Config

// Server owns one listening socket and the goroutine-per-connection accept
// loop feeding it into internal/session.
type Server struct {
	cfg     *config.Config
	newCfg  SessionFactory
	log     zerolog.Logger
	stats   Stats
	limiter *rate.Limiter
	sem     chan struct{}

	mu       sync.Mutex
	ln       net.Listener
	closed   bool
	wg       sync.WaitGroup
	sessions int64
}

// New builds a Server bound to cfg. newCfg supplies the per-connection
// session.Config (host key, userauth methods, channel factories). If stats
// is nil, counters are discarded.
func New(cfg *config.Config, newCfg SessionFactory, log zerolog.Logger, stats Stats) *Server {
	if stats == nil {
		stats = noopStats{}
	}
	pending := cfg.MaxPendingHandshakes
	if pending <= 0 {
		pending = 64
	}
	return &Server{
		cfg:     cfg,
		newCfg:  newCfg,
		log:     log,
		stats:   stats,
		limiter: rate.NewLimiter(rate.Limit(pending), pending),
		sem:     make(chan struct{}, pending),
	}
}

// ListenAndServe binds the listening socket (applying SocketReuseAddr via
// a Control callback, since net.Listen alone cannot set SO_REUSEADDR) and
// runs the accept loop until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	lc := net.ListenConfig{}
	if s.cfg.SocketReuseAddr {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", addr).Msg("server: listening")
	return s.acceptLoop(ln)
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		if err := s.limiter.Wait(context.Background()); err != nil {
			return err
		}
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			s.log.Error().Err(err).Msg("server: accept failed")
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.stats.IncRejected()
			s.log.Warn().Msg("server: too many pending handshakes, rejecting connection")
			_ = conn.Close()
			continue
		}

		if err := applySocketOptions(conn, s.cfg); err != nil {
			s.log.Warn().Err(err).Msg("server: applying socket options")
		}

		s.stats.IncAccepted()
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer conn.Close()

	s.stats.SessionOpened()
	atomic.AddInt64(&s.sessions, 1)
	defer func() {
		s.stats.SessionClosed()
		atomic.AddInt64(&s.sessions, -1)
	}()

	cfg := s.newCfg(conn)
	if err := session.Serve(conn, cfg); err != nil {
		s.log.Debug().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("server: session ended")
	}
}

// ActiveSessions reports the number of connections currently past the
// accept-rate/handshake gate and being served.
func (s *Server) ActiveSessions() int64 { return atomic.LoadInt64(&s.sessions) }

// Close stops the accept loop and returns without waiting; ListenAndServe
// then waits for in-flight sessions to end on their own before returning.
// Their connections are not closed or otherwise terminated.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func applySocketOptions(conn net.Conn, cfg *config.Config) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(cfg.TCPNoDelay); err != nil {
		return err
	}
	if err := tc.SetKeepAlive(cfg.SocketKeepAlive); err != nil {
		return err
	}
	if cfg.SocketSoLinger >= 0 {
		if err := tc.SetLinger(cfg.SocketSoLinger); err != nil {
			return err
		}
	}
	if cfg.SocketRcvBuf > 0 {
		if err := tc.SetReadBuffer(cfg.SocketRcvBuf); err != nil {
			return err
		}
	}
	if cfg.SocketSndBuf > 0 {
		if err := tc.SetWriteBuffer(cfg.SocketSndBuf); err != nil {
			return err
		}
	}
	return nil
}
