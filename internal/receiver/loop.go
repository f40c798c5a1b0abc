// Package receiver runs the background receive loop that polls a session and
// forwards frames to a sink.
package receiver

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/logging"
	"github.com/kstaniek/go-can-example/internal/metrics"
	"github.com/kstaniek/go-can-example/internal/session"
)

// DefaultTimeout is the per-poll receive window.
const DefaultTimeout = 2 * time.Second

// Backoff applied between consecutive receive errors.
const (
	errBackoffMin = 20 * time.Millisecond
	errBackoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Source is the receive side of a session. *session.Session implements it.
type Source interface {
	Receive(timeout time.Duration) (can.Frame, bool, error)
}

// Sink consumes the loop's output. Publish is called from the loop goroutine
// in receive order; Stopped is called exactly once when the loop exits. The
// reason is nil after cancellation, session.ErrClosedDuringReceive when the
// session was closed or rebound under the loop, or session.ErrNotBound when
// the session has no interface (for example after a failed rebind). Any other
// receive error is retried and never reaches Stopped.
type Sink interface {
	Publish(can.Frame)
	Stopped(reason error)
}

// Loop is a cooperative polling loop. Cancellation is observed between polls,
// so a cancel takes effect within one timeout window.
type Loop struct {
	src       Source
	sink      Sink
	timeout   time.Duration
	logger    *slog.Logger
	cancelled atomic.Bool
	done      chan struct{}
}

type Option func(*Loop)

// WithTimeout sets the per-poll window. Shorter windows reduce cancellation
// latency at the cost of more idle wake-ups; longer windows do the opposite.
func WithTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// Start launches the loop on its own goroutine. The loop holds src but never
// closes it. Cancelling ctx has the same effect as Cancel.
func Start(ctx context.Context, src Source, sink Sink, opts ...Option) *Loop {
	l := &Loop{
		src:     src,
		sink:    sink,
		timeout: DefaultTimeout,
		logger:  logging.L(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	metrics.LoopStarted()
	go l.run(ctx)
	return l
}

// Cancel requests the loop to stop after the in-flight poll returns.
func (l *Loop) Cancel() { l.cancelled.Store(true) }

// Done is closed after the sink has been notified that the loop stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Wait blocks until the loop has stopped.
func (l *Loop) Wait() { <-l.done }

func (l *Loop) stopRequested(ctx context.Context) bool {
	return l.cancelled.Load() || ctx.Err() != nil
}

func (l *Loop) run(ctx context.Context) {
	var reason error
	defer func() {
		metrics.LoopStopped()
		l.logger.Info("rx_loop_end", "reason", reasonString(reason))
		l.sink.Stopped(reason)
		close(l.done)
	}()
	l.logger.Info("rx_loop_start", "timeout", l.timeout)
	backoff := errBackoffMin
	for !l.stopRequested(ctx) {
		fr, ok, err := l.src.Receive(l.timeout)
		if err != nil {
			if errors.Is(err, session.ErrClosedDuringReceive) || errors.Is(err, session.ErrNotBound) {
				reason = err
				return
			}
			// transient transport noise; keep polling
			l.logger.Warn("rx_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > errBackoffMax {
				backoff = errBackoffMax
			}
			continue
		}
		backoff = errBackoffMin
		if !ok {
			continue
		}
		l.sink.Publish(fr)
	}
}

func reasonString(err error) string {
	if err == nil {
		return "cancelled"
	}
	return err.Error()
}
