//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-example/internal/can"
)

// Resolve maps an interface name (e.g. "can0") to its kernel index.
func Resolve(name string) (can.Interface, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return can.Interface{}, fmt.Errorf("%w: %q: %v", can.ErrInterfaceNotFound, name, err)
	}
	return can.Interface{Name: ifi.Name, Index: ifi.Index}, nil
}

// Device is a CAN_RAW socket bound to one interface. An eventfd lets Close
// wake a reader parked in poll(2) so the socket is never released under it.
type Device struct {
	fd    int
	wake  int
	iface can.Interface

	mu     sync.Mutex
	closed bool
	users  sync.WaitGroup
}

// Open creates a raw CAN socket that only passes standard (11-bit) frames and
// binds it to iface.
func Open(iface can.Interface) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	sff := []unix.CanFilter{{Id: 0, Mask: unix.CAN_EFF_FLAG}}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, sff); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set raw filter: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface.Name, err)
	}
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Device{fd: fd, wake: wake, iface: iface}, nil
}

func (d *Device) Interface() can.Interface { return d.iface }

// enter registers a user of the fds; false once Close has started.
func (d *Device) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.users.Add(1)
	return true
}

func (d *Device) isClosed() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.closed }

// Close wakes any in-flight read, waits for it to leave and releases the
// socket. Calling Close again is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, werr := unix.Write(d.wake, one[:])
	d.users.Wait()
	return errors.Join(werr, unix.Close(d.fd), unix.Close(d.wake))
}

// ReadFrame waits up to timeout for one classic CAN frame.
func (d *Device) ReadFrame(fr *can.Frame, timeout time.Duration) error {
	if !d.enter() {
		return can.ErrDeviceClosed
	}
	defer d.users.Done()
	deadline := time.Now().Add(timeout)
	for {
		ms := int((time.Until(deadline) + time.Millisecond - 1) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		pfd := []unix.PollFd{
			{Fd: int32(d.fd), Events: unix.POLLIN},
			{Fd: int32(d.wake), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if pfd[1].Revents != 0 || d.isClosed() {
			return can.ErrDeviceClosed
		}
		if n == 0 {
			return can.ErrReadTimeout
		}
		if pfd[0].Revents&unix.POLLIN == 0 {
			return fmt.Errorf("poll: socket revents 0x%x", pfd[0].Revents)
		}
		return d.readOne(fr)
	}
}

func (d *Device) readOne(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}
	// struct can_frame (linux/can.h), host byte order (little-endian targets):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	id, err := can.IdentifierFromCANID(binary.LittleEndian.Uint32(buf[0:4]))
	if err != nil {
		return err
	}
	dlc := int(buf[4])
	if dlc > can.MaxPayload {
		dlc = can.MaxPayload
	}
	*fr = can.Frame{ID: id, Iface: d.iface, Len: uint8(dlc)}
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	if !d.enter() {
		return can.ErrDeviceClosed
	}
	defer d.users.Done()
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID.CANID())
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	n, err := unix.Write(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short write: %d", n)
	}
	return nil
}

func (d *Device) SetLoopback(on bool) error { return d.setOpt(unix.CAN_RAW_LOOPBACK, on) }
func (d *Device) Loopback() (bool, error)   { return d.getOpt(unix.CAN_RAW_LOOPBACK) }

func (d *Device) SetRecvOwnMsgs(on bool) error { return d.setOpt(unix.CAN_RAW_RECV_OWN_MSGS, on) }
func (d *Device) RecvOwnMsgs() (bool, error)   { return d.getOpt(unix.CAN_RAW_RECV_OWN_MSGS) }

func (d *Device) setOpt(opt int, on bool) error {
	if !d.enter() {
		return can.ErrDeviceClosed
	}
	defer d.users.Done()
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, opt, v)
}

func (d *Device) getOpt(opt int) (bool, error) {
	if !d.enter() {
		return false, can.ErrDeviceClosed
	}
	defer d.users.Done()
	v, err := unix.GetsockoptInt(d.fd, unix.SOL_CAN_RAW, opt)
	return v != 0, err
}
