// Package server owns the TLS listener and the lifecycle of the SPDY
// sessions running on it. Protocol selection happens during the TLS
// handshake: connections that negotiate spdy/2 get a session, everything
// else falls back to plain HTTP/1.1 over the same handler.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"example.com/spdyserve/internal/bridgehttp"
	"example.com/spdyserve/internal/config"
	"example.com/spdyserve/internal/logger"
	"example.com/spdyserve/internal/spdy"
)

// ProtocolName is the token this server contributes to the TLS
// next-protocol advertisement.
const ProtocolName = "spdy/2"

const handshakeTimeout = 10 * time.Second

// Server accepts TLS connections and runs one SPDY session per connection
// that negotiated spdy/2.
type Server struct {
	cfg         *config.Config
	log         *logger.Logger
	exec        spdy.Executor
	httpHandler http.Handler
	handler     spdy.StreamHandler
	sessionCfg  spdy.SessionConfig

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*spdy.Session]struct{}
	closing  bool
	idle     *sync.Cond
}

// New assembles a server. The executor is borrowed, not owned: the caller
// closes it after Shutdown returns.
func New(cfg *config.Config, lg *logger.Logger, h http.Handler, exec spdy.Executor) (*Server, error) {
	if lg == nil {
		lg = logger.Nop()
	}
	frameCap, err := cfg.ControlFrameCap()
	if err != nil {
		return nil, err
	}
	highWater, err := cfg.EgressHighWater()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		log:         lg,
		exec:        exec,
		httpHandler: h,
		handler:     bridgehttp.Handler(h, lg),
		sessions:    make(map[*spdy.Session]struct{}),
		sessionCfg: spdy.SessionConfig{
			MaxStreams:      cfg.Spdy.MaxStreamsPerSession,
			ControlFrameCap: frameCap,
			EgressHighWater: highWater,
			ReadIdleTimeout: config.Duration(cfg.Spdy.ReadIdleTimeout),
			PingTimeout:     config.Duration(cfg.Spdy.PingTimeout),
			Logger:          lg,
		},
	}
	s.idle = sync.NewCond(&s.mu)
	return s, nil
}

// ListenAndServe opens the TLS listener and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("loading TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   s.advertisedProtocols(),
	}
	ln, err := tls.Listen("tcp", s.cfg.Server.Addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ln)
}

// advertisedProtocols builds the next-protocol list. With SPDY disabled the
// server advertises HTTP/1.1 only.
func (s *Server) advertisedProtocols() []string {
	if s.cfg.SpdyEnabled() {
		return []string{ProtocolName, "http/1.1"}
	}
	return []string{"http/1.1"}
}

// Serve accepts connections from ln until Shutdown closes it.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server is shut down")
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("listening", logger.Fields{"addr": ln.Addr().String(), "spdy_enabled": s.cfg.SpdyEnabled()})
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handleConn(conn)
	}
}

// handleConn completes the handshake, then dispatches by negotiated
// protocol.
func (s *Server) handleConn(conn net.Conn) {
	tlsConn, isTLS := conn.(*tls.Conn)
	proto := ""
	if isTLS {
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
		if err := tlsConn.Handshake(); err != nil {
			s.log.Debug("TLS handshake failed", logger.Fields{
				"remote_addr": conn.RemoteAddr().String(),
				"error":       err.Error(),
			})
			conn.Close()
			return
		}
		conn.SetDeadline(time.Time{})
		proto = tlsConn.ConnectionState().NegotiatedProtocol
	}
	if proto == ProtocolName {
		s.runSession(conn)
		return
	}
	s.serveHTTP1(conn)
}

// runSession drives one SPDY session to completion.
func (s *Server) runSession(conn net.Conn) {
	sess := spdy.NewSession(conn, s.handler, s.exec, s.sessionCfg)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	status := sess.Serve()

	s.mu.Lock()
	delete(s.sessions, sess)
	if len(s.sessions) == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
	s.log.Info("session finished", logger.Fields{
		"remote_addr": conn.RemoteAddr().String(),
		"status":      status.String(),
	})
}

// serveHTTP1 serves one fallback HTTP/1.1 connection with the same handler.
func (s *Server) serveHTTP1(conn net.Conn) {
	ln := newSingleConnListener(conn)
	_ = http.Serve(ln, s.httpHandler)
}

// Shutdown stops accepting, asks every session to drain, and waits until
// they finish or the configured grace period expires.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	if s.ln != nil {
		s.ln.Close()
	}
	active := make([]*spdy.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.Shutdown()
	}

	grace := config.Duration(s.cfg.Server.GracefulShutdownTimeout)
	if grace == 0 {
		grace = 30 * time.Second
	}
	deadline := time.AfterFunc(grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.idle.Broadcast()
	})
	defer deadline.Stop()

	waitDeadline := time.Now().Add(grace)
	s.mu.Lock()
	for len(s.sessions) > 0 && time.Now().Before(waitDeadline) {
		s.idle.Wait()
	}
	remaining := len(s.sessions)
	s.mu.Unlock()
	if remaining > 0 {
		s.log.Warn("shutdown grace period expired", logger.Fields{"sessions": remaining})
	}
}

// singleConnListener adapts one accepted connection to the net.Listener
// interface so net/http can serve it. Accept yields the connection once,
// then blocks until it is closed.
type singleConnListener struct {
	conn net.Conn
	ch   chan net.Conn
	done chan struct{}
	once sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	ln := &singleConnListener{
		ch:   make(chan net.Conn, 1),
		done: make(chan struct{}),
	}
	ln.conn = conn
	ln.ch <- &signalClosedConn{Conn: conn, ln: ln}
	return ln
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// signalClosedConn unblocks the listener's second Accept when the served
// connection closes, which lets http.Serve return.
type signalClosedConn struct {
	net.Conn
	ln *singleConnListener
}

func (c *signalClosedConn) Close() error {
	err := c.Conn.Close()
	c.ln.Close()
	return err
}
