//go:build linux

package socketcan

import (
	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/session"
)

// Dialer opens SocketCAN devices for a session.
type Dialer struct{}

func (Dialer) Resolve(name string) (can.Interface, error) { return Resolve(name) }

func (Dialer) Open(iface can.Interface) (session.Transport, error) {
	d, err := Open(iface)
	if err != nil {
		return nil, err
	}
	return d, nil
}

var _ session.Transport = (*Device)(nil)
