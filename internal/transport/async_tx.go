package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/kstaniek/go-can-example/internal/can"
)

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// Hooks customize AsyncTx behavior. All are optional.
type Hooks struct {
	// OnError is called when the send function fails (frame not sent).
	OnError func(can.Frame, error)
	// OnAfter is called after each successful send.
	OnAfter func(can.Frame)
	// OnDrop is called when the queue is full; its error is returned from
	// SendFrame. A nil OnDrop drops silently.
	OnDrop func(can.Frame) error
}

// AsyncTx funnels frames from many producers into one sending goroutine.
// SendFrame never blocks: a full queue drops the frame through Hooks.OnDrop.
//
//	a := NewAsyncTx(ctx, 64, sess.Send, hooks)
//	defer a.Close()
//	a.SendFrame(fr)
type AsyncTx struct {
	mu     sync.Mutex
	closed bool
	ch     chan can.Frame
	send   func(can.Frame) error
	hooks  Hooks
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAsyncTx starts the worker. It exits when ctx is cancelled or on Close.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan can.Frame, buf),
		send:   send,
		hooks:  hooks,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

func (a *AsyncTx) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(fr); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(fr, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(fr)
			}
		}
	}
}

// SendFrame queues fr for transmission.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(fr)
		}
		return nil
	}
}

// Len reports queued frames not yet handed to the send function.
func (a *AsyncTx) Len() int { return len(a.ch) }

// Close stops the worker and waits for it. Queued frames are discarded.
// Calling Close again is a no-op.
func (a *AsyncTx) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.cancel()
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
