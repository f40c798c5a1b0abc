package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged in both directions before any frame.
const Hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake sends Hello and expects the peer's Hello within timeout. Context
// cancellation aborts the exchange by expiring the connection deadline.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	wrote := make(chan error, 1)
	go func() {
		_, err := io.WriteString(c, Hello)
		wrote <- err
	}()

	buf := make([]byte, len(Hello))
	_, rerr := io.ReadFull(c, buf)
	werr := <-wrote
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if werr != nil {
		return fmt.Errorf("handshake write: %w", werr)
	}
	if rerr != nil {
		return fmt.Errorf("handshake read: %w", rerr)
	}
	if string(buf) != Hello {
		return fmt.Errorf("handshake: %w: %q", ErrBadHello, buf)
	}
	return nil
}
