package session

import (
	"errors"

	"github.com/kstaniek/go-can-example/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrBind                = errors.New("session: bind failed")
	ErrNotBound            = errors.New("session: not bound")
	ErrClosed              = errors.New("session: closed")
	ErrConfig              = errors.New("session: configure failed")
	ErrSend                = errors.New("session: send failed")
	ErrReceive             = errors.New("session: receive failed")
	ErrClosedDuringReceive = errors.New("session: closed during receive")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrBind):
		return metrics.ErrBind
	case errors.Is(err, ErrConfig):
		return metrics.ErrConfig
	case errors.Is(err, ErrSend):
		return metrics.ErrSend
	case errors.Is(err, ErrReceive):
		return metrics.ErrReceive
	default:
		return "other"
	}
}
