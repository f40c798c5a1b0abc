package tap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-example/internal/hub"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

// readLoop decodes frames sent by the client and injects them. An idle
// client is tolerated for readDeadline at a time; a malformed stream ends the
// connection since it cannot be resynchronized.
func (s *Server) readLoop(conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	defer cl.Close()
	br := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		fr, err := s.codec.Decode(br)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case isIdleTimeout(err):
				continue
			default:
				wrap := fmt.Errorf("%w: %w", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				logger.Warn("tap_read_failed", "error", err)
			}
			return
		}
		metrics.IncTapRx()
		if err := s.send(fr); err != nil {
			if errors.Is(err, ErrOverflow) {
				s.injectDrop.Add(1)
				logger.Debug("tap_inject_dropped", "id", fr.ID.String())
			} else {
				metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %w", ErrInject, err)))
				logger.Warn("tap_inject_failed", "id", fr.ID.String(), "error", err)
			}
			continue
		}
		s.injected.Add(1)
	}
}

// isIdleTimeout reports a read deadline hit at a frame boundary. Decode
// returns the raw net error only while reading a frame id.
func isIdleTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
