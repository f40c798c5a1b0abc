package session

import (
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
)

// Transport is an open, bound CAN resource owned by exactly one Session.
// Implemented by *socketcan.Device, *serial.Device and by fakes in tests.
//
// ReadFrame must return can.ErrReadTimeout when timeout elapses without a
// frame and can.ErrDeviceClosed when Close was called before or during the
// read. Close must not return until no ReadFrame is touching the resource.
type Transport interface {
	Interface() can.Interface
	ReadFrame(fr *can.Frame, timeout time.Duration) error
	WriteFrame(can.Frame) error
	SetLoopback(bool) error
	Loopback() (bool, error)
	SetRecvOwnMsgs(bool) error
	RecvOwnMsgs() (bool, error)
	Close() error
}

// Dialer resolves interface names and opens transports bound to them.
type Dialer interface {
	Resolve(name string) (can.Interface, error)
	Open(iface can.Interface) (Transport, error)
}
