package tap

import (
	"errors"

	"github.com/kstaniek/go-can-example/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("tap listen")
	ErrAccept    = errors.New("tap accept")
	ErrHandshake = errors.New("tap handshake")
	ErrConnRead  = errors.New("tap conn read")
	ErrConnWrite = errors.New("tap conn write")
	ErrInject    = errors.New("tap inject")
	ErrShutdown  = errors.New("tap shutdown timeout")

	// ErrOverflow is returned by a SendFunc that shed an injected frame.
	ErrOverflow = errors.New("tap inject queue full")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTapRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTapWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrOverflow):
		return metrics.ErrInjectOver
	case errors.Is(err, ErrInject):
		return metrics.ErrInject
	default:
		return "other"
	}
}
