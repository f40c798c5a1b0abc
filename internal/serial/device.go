package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/metrics"
	"github.com/kstaniek/go-can-example/internal/session"
)

const (
	readBufSize = 256
	ownQueueLen = 64
	// largeBufferReclaimThreshold is the capacity above which the RX
	// accumulator is reallocated once drained, so a burst of line noise does
	// not pin a large backing array.
	largeBufferReclaimThreshold = 16 * 1024
)

// Resolve checks that the device node exists and is accessible.
func Resolve(path string) (can.Interface, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return can.Interface{}, fmt.Errorf("%w: %q: permission denied", can.ErrInterfaceNotFound, path)
		}
		return can.Interface{}, fmt.Errorf("%w: %q: %v", can.ErrInterfaceNotFound, path, err)
	}
	return can.Interface{Name: path}, nil
}

// Device carries standard CAN frames over an Ampio CAN-UART adapter. The
// adapter has no loopback notion, so the CAN_RAW options are emulated: with
// both loopback and receive-own-messages enabled, every written frame is also
// returned by ReadFrame.
type Device struct {
	port  Port
	iface can.Interface
	codec Codec

	mu      sync.Mutex
	loop    bool
	recvOwn bool
	closed  bool
	users   sync.WaitGroup
	done    chan struct{}
	own     chan can.Frame

	readMu  sync.Mutex
	acc     *bytes.Buffer
	pending []can.Frame
	buf     []byte
}

// NewDevice wraps an open port. Options start at the kernel's CAN_RAW
// defaults: loopback on, receive-own-messages off.
func NewDevice(p Port, iface can.Interface) *Device {
	return &Device{
		port:  p,
		iface: iface,
		loop:  true,
		done:  make(chan struct{}),
		own:   make(chan can.Frame, ownQueueLen),
		acc:   bytes.NewBuffer(nil),
		buf:   make([]byte, readBufSize),
	}
}

func (d *Device) Interface() can.Interface { return d.iface }

func (d *Device) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.users.Add(1)
	return true
}

// Close stops readers and closes the port. Calling Close again is a no-op.
// It returns once the in-flight port read (bounded by the port read timeout)
// has finished.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()
	d.users.Wait()
	return d.port.Close()
}

// ReadFrame returns the next frame from the adapter (or the local echo queue)
// within timeout.
func (d *Device) ReadFrame(fr *can.Frame, timeout time.Duration) error {
	if !d.enter() {
		return can.ErrDeviceClosed
	}
	defer d.users.Done()
	d.readMu.Lock()
	defer d.readMu.Unlock()
	deadline := time.Now().Add(timeout)
	for {
		if len(d.pending) > 0 {
			*fr = d.pending[0]
			d.pending = d.pending[1:]
			return nil
		}
		select {
		case <-d.done:
			return can.ErrDeviceClosed
		case f := <-d.own:
			*fr = f
			return nil
		default:
		}
		if !time.Now().Before(deadline) {
			return can.ErrReadTimeout
		}
		n, err := d.port.Read(d.buf)
		if n > 0 {
			d.acc.Write(d.buf[:n])
			d.codec.DecodeStream(d.acc, func(f can.Frame) {
				f.Iface = d.iface
				d.pending = append(d.pending, f)
			})
			if d.acc.Len() == 0 && d.acc.Cap() > largeBufferReclaimThreshold {
				d.acc = bytes.NewBuffer(nil)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout on an idle line
			}
			metrics.IncError(metrics.ErrSerialRead)
			return err
		}
	}
}

// WriteFrame encodes and writes one frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	if !d.enter() {
		return can.ErrDeviceClosed
	}
	defer d.users.Done()
	b, err := d.codec.Encode(fr)
	if err != nil {
		return err
	}
	if _, err := d.port.Write(b); err != nil {
		return err
	}
	d.mu.Lock()
	echo := d.loop && d.recvOwn
	d.mu.Unlock()
	if echo {
		fr.Iface = d.iface
		select {
		case d.own <- fr:
		default: // echo queue full; the bus copy was still sent
		}
	}
	return nil
}

func (d *Device) SetLoopback(on bool) error    { return d.setFlag(&d.loop, on) }
func (d *Device) Loopback() (bool, error)      { return d.getFlag(&d.loop) }
func (d *Device) SetRecvOwnMsgs(on bool) error { return d.setFlag(&d.recvOwn, on) }
func (d *Device) RecvOwnMsgs() (bool, error)   { return d.getFlag(&d.recvOwn) }

func (d *Device) setFlag(dst *bool, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return can.ErrDeviceClosed
	}
	*dst = on
	return nil
}

func (d *Device) getFlag(src *bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, can.ErrDeviceClosed
	}
	return *src, nil
}

// openPort is a hook for tests (overridden in unit tests).
var openPort = OpenPort

// Dialer opens serial CAN adapters for a session.
type Dialer struct {
	Baud        int
	ReadTimeout time.Duration
}

func (Dialer) Resolve(path string) (can.Interface, error) { return Resolve(path) }

func (d Dialer) Open(iface can.Interface) (session.Transport, error) {
	p, err := openPort(iface.Name, d.Baud, d.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", iface.Name, err)
	}
	return NewDevice(p, iface), nil
}

var _ session.Transport = (*Device)(nil)
