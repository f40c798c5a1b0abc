// Package tap exposes the bound CAN interface over TCP using the Cannelloni
// stream protocol: received frames are copied to every client and frames sent
// by clients are injected into the session.
package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/cnl"
	"github.com/kstaniek/go-can-example/internal/hub"
	"github.com/kstaniek/go-can-example/internal/logging"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

// SendFunc hands an injected frame to the bus side. It must not block for
// long; the usual implementation is transport.AsyncTx.SendFrame.
type SendFunc func(can.Frame) error

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuf        = 512
)

// Server owns the TCP listener and the client connections.
type Server struct {
	hub   *hub.Hub
	send  SendFunc
	codec cnl.Codec

	addr             string
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*hub.Client]net.Conn
	ready    chan struct{}
	wg       sync.WaitGroup
	nextID   atomic.Uint64

	accepted   atomic.Uint64
	rejected   atomic.Uint64
	hsFailed   atomic.Uint64
	injected   atomic.Uint64
	injectDrop atomic.Uint64
}

type Option func(*Server)

// New builds a server publishing frames from h and injecting through send.
func New(h *hub.Hub, send SendFunc, opts ...Option) *Server {
	s := &Server{
		hub:              h,
		send:             send,
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           logging.L(),
		conns:            make(map[*hub.Client]net.Conn),
		ready:            make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }

func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithMaxClients caps concurrent clients; 0 means unlimited.
func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address once Ready is closed.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve listens and accepts clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %w", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("tap_listen", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %w", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			return wrap
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.admit(ctx, conn)
		}()
	}
}

// admit runs the handshake and, if there is room, starts the client's IO.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	s.accepted.Add(1)
	logger := s.logger.With("conn_id", s.nextID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %w", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.hsFailed.Add(1)
		logger.Warn("tap_handshake_failed", "error", err)
		_ = conn.Close()
		return
	}
	buf := s.hub.OutBufSize
	if buf <= 0 {
		buf = defaultClientBuf
	}
	cl := hub.NewClient(buf)
	s.mu.Lock()
	full := s.maxClients > 0 && len(s.conns) >= s.maxClients
	if !full && s.listener != nil {
		s.conns[cl] = conn
	}
	closing := s.listener == nil
	s.mu.Unlock()
	if full || closing {
		if full {
			s.rejected.Add(1)
			metrics.IncHubReject()
			logger.Warn("tap_client_rejected", "max_clients", s.maxClients)
		}
		_ = conn.Close()
		return
	}
	s.hub.Add(cl)
	logger.Info("tap_client_connected")

	stop := context.AfterFunc(ctx, func() { cl.Close(); _ = conn.Close() })
	var rw sync.WaitGroup
	rw.Add(2)
	go func() { defer rw.Done(); s.writeLoop(conn, cl, logger) }()
	go func() { defer rw.Done(); s.readLoop(conn, cl, logger) }()
	rw.Wait()
	stop()

	s.mu.Lock()
	delete(s.conns, cl)
	s.mu.Unlock()
	s.hub.Remove(cl)
	logger.Info("tap_client_disconnected")
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes the listener and all clients, then waits for their
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for cl, conn := range s.conns {
		cl.Close()
		_ = conn.Close()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrShutdown, ctx.Err())
	case <-done:
	}
	s.logger.Info("tap_shutdown_summary",
		"accepted", s.accepted.Load(),
		"rejected", s.rejected.Load(),
		"handshake_fail", s.hsFailed.Load(),
		"injected", s.injected.Load(),
		"inject_dropped", s.injectDrop.Load())
	return nil
}
