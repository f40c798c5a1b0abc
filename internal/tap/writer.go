package tap

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/hub"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

// writeLoop batches hub frames for one client, flushing on a full batch or
// every flushInterval. It closes conn on exit so the reader stops too.
func (s *Server) writeLoop(conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	defer func() { _ = conn.Close() }()
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	batch := make([]can.Frame, 0, s.batchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n := len(batch)
		_, err := s.codec.EncodeTo(conn, batch)
		batch = batch[:0]
		if err != nil {
			wrap := fmt.Errorf("%w: %w", ErrConnWrite, err)
			metrics.IncError(mapErrToMetric(wrap))
			logger.Debug("tap_write_failed", "error", err)
			return false
		}
		metrics.AddTapTx(n)
		return true
	}
	for {
		select {
		case fr := <-cl.Out:
			batch = append(batch, fr)
			if len(batch) >= s.batchSize && !flush() {
				return
			}
		case <-t.C:
			if !flush() {
				return
			}
		case <-cl.Closed:
			_ = flush()
			return
		}
	}
}
