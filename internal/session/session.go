package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/logging"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

// State is the lifecycle position of a Session.
type State int

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kernel defaults for a fresh CAN_RAW socket, used when a transport cannot
// report its initial configuration.
const (
	defaultLoopback    = true
	defaultRecvOwnMsgs = false
)

// ErrInterfaceMismatch is wrapped by ErrSend when a frame names an interface
// other than the one the session is bound to.
var ErrInterfaceMismatch = errors.New("frame interface does not match bound interface")

// Session binds one Transport at a time to a named CAN interface and exposes
// configure/send/receive on it. All methods are safe for concurrent use; only
// Receive blocks, and it does so without holding the session lock so Close can
// always proceed.
type Session struct {
	mu      sync.Mutex
	dialer  Dialer
	state   State
	tr      Transport
	iface   can.Interface
	loop    bool
	recvOwn bool
	logger  *slog.Logger
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open returns an Unbound session. No resource is allocated yet.
func Open(d Dialer, opts ...Option) *Session {
	s := &Session{dialer: d, logger: logging.L()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State { s.mu.Lock(); defer s.mu.Unlock(); return s.state }

// Status is a consistent view of a session taken under one lock.
type Status struct {
	State    State
	Iface    can.Interface
	Loopback bool
	RecvOwn  bool
}

// Status reports state, interface and effective flags together. Iface and the
// flags are only meaningful when State is Bound.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Bound {
		return Status{State: s.state}
	}
	return Status{State: s.state, Iface: s.iface, Loopback: s.loop, RecvOwn: s.recvOwn}
}

// Interface returns the bound interface, if any.
func (s *Session) Interface() (can.Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface, s.state == Bound
}

// Bind resolves name, opens a raw transport and binds it. A bound session
// releases its current transport first ("switch interface"); on failure the
// session is left Unbound.
func (s *Session) Bind(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrClosed
	}
	if s.tr != nil {
		s.releaseLocked("rebind")
	}
	iface, err := s.dialer.Resolve(name)
	if err != nil {
		return s.bindFailed(name, fmt.Errorf("%w: resolve %q: %w", ErrBind, name, err))
	}
	tr, err := s.dialer.Open(iface)
	if err != nil {
		return s.bindFailed(name, fmt.Errorf("%w: open %s: %w", ErrBind, iface, err))
	}
	s.tr, s.iface, s.state = tr, iface, Bound
	s.loop = s.initialFlag("loopback", tr.Loopback, defaultLoopback)
	s.recvOwn = s.initialFlag("recv_own_msgs", tr.RecvOwnMsgs, defaultRecvOwnMsgs)
	metrics.IncBind()
	s.logger.Info("session_bound", "if", iface.Name, "index", iface.Index, "loopback", s.loop, "recv_own_msgs", s.recvOwn)
	return nil
}

func (s *Session) bindFailed(name string, err error) error {
	metrics.IncError(mapErrToMetric(err))
	s.logger.Error("session_bind_error", "if", name, "error", err)
	return err
}

func (s *Session) initialFlag(name string, get func() (bool, error), def bool) bool {
	v, err := get()
	if err != nil {
		s.logger.Warn("session_option_read_error", "option", name, "error", err, "assumed", def)
		return def
	}
	return v
}

// SetLoopback toggles local loopback of sent frames. Requires Bound.
func (s *Session) SetLoopback(enabled bool) error {
	return s.setFlag("loopback", enabled, func(tr Transport) error { return tr.SetLoopback(enabled) }, &s.loop)
}

// SetReceiveOwnMessages toggles delivery of this socket's own frames. Requires Bound.
func (s *Session) SetReceiveOwnMessages(enabled bool) error {
	return s.setFlag("recv_own_msgs", enabled, func(tr Transport) error { return tr.SetRecvOwnMsgs(enabled) }, &s.recvOwn)
}

func (s *Session) setFlag(name string, enabled bool, apply func(Transport) error, dst *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Bound {
		return ErrNotBound
	}
	if err := apply(s.tr); err != nil {
		wrap := fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	*dst = enabled
	s.logger.Debug("session_option_set", "option", name, "enabled", enabled)
	return nil
}

// Loopback returns the effective loopback setting. Requires Bound.
func (s *Session) Loopback() (bool, error) { return s.getFlag(&s.loop) }

// ReceiveOwnMessages returns the effective receive-own-messages setting. Requires Bound.
func (s *Session) ReceiveOwnMessages() (bool, error) { return s.getFlag(&s.recvOwn) }

func (s *Session) getFlag(src *bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Bound {
		return false, ErrNotBound
	}
	return *src, nil
}

// Send transmits fr once; no retry. A frame without an interface is stamped
// with the bound one.
func (s *Session) Send(fr can.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Bound {
		return ErrNotBound
	}
	if fr.Iface == (can.Interface{}) {
		fr.Iface = s.iface
	} else if fr.Iface != s.iface {
		wrap := fmt.Errorf("%w: %w (%s != %s)", ErrSend, ErrInterfaceMismatch, fr.Iface, s.iface)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	if err := s.tr.WriteFrame(fr); err != nil {
		wrap := fmt.Errorf("%w: %w", ErrSend, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	metrics.IncTx()
	s.logger.Debug("frame_sent", "frame", fr.String())
	return nil
}

// Receive waits at most timeout for one frame. ok is false with a nil error
// when the window elapsed without a frame. ErrClosedDuringReceive is returned
// when the session is closed, or its transport released, before or during the
// call.
func (s *Session) Receive(timeout time.Duration) (fr can.Frame, ok bool, err error) {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return can.Frame{}, false, ErrClosedDuringReceive
	case Unbound:
		s.mu.Unlock()
		return can.Frame{}, false, ErrNotBound
	}
	tr, iface := s.tr, s.iface
	s.mu.Unlock()

	if err := tr.ReadFrame(&fr, timeout); err != nil {
		switch {
		case errors.Is(err, can.ErrReadTimeout):
			metrics.IncRxTimeout()
			return can.Frame{}, false, nil
		case errors.Is(err, can.ErrDeviceClosed):
			return can.Frame{}, false, ErrClosedDuringReceive
		}
		wrap := fmt.Errorf("%w: %w", ErrReceive, err)
		metrics.IncError(mapErrToMetric(wrap))
		return can.Frame{}, false, wrap
	}
	fr.Iface = iface
	metrics.IncRx()
	return fr, true, nil
}

// Close releases the transport, if any, and moves to Closed. It is idempotent
// and never fails: release errors are logged and counted.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	if s.tr != nil {
		s.releaseLocked("close")
	}
	s.state = Closed
	s.logger.Info("session_closed")
	return nil
}

// releaseLocked closes the current transport and returns to Unbound.
func (s *Session) releaseLocked(reason string) {
	tr, iface := s.tr, s.iface
	s.tr, s.iface, s.state = nil, can.Interface{}, Unbound
	if err := tr.Close(); err != nil {
		metrics.IncError(metrics.ErrClose)
		s.logger.Error("session_release_error", "if", iface.Name, "reason", reason, "error", err)
		return
	}
	s.logger.Info("session_released", "if", iface.Name, "reason", reason)
}
