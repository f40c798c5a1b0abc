//go:build !linux

package socketcan

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/session"
)

// ErrUnsupported is returned on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan unsupported on this platform")

// Resolve always fails outside Linux.
func Resolve(name string) (can.Interface, error) {
	return can.Interface{}, fmt.Errorf("%w: %q: %w", can.ErrInterfaceNotFound, name, ErrUnsupported)
}

// Dialer is provided so non-linux builds compile.
type Dialer struct{}

func (Dialer) Resolve(name string) (can.Interface, error) { return Resolve(name) }

func (Dialer) Open(iface can.Interface) (session.Transport, error) { return nil, ErrUnsupported }
