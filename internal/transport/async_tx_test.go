package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func frame(t *testing.T, raw uint32) can.Frame {
	t.Helper()
	id, err := can.NewIdentifier(raw, false, false)
	if err != nil {
		t.Fatal(err)
	}
	return can.Frame{ID: id}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestAsyncTxPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var got []uint16
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 8, func(fr can.Frame) error {
		mu.Lock()
		got = append(got, fr.ID.Value())
		mu.Unlock()
		return nil
	}, Hooks{OnAfter: func(can.Frame) { after.Add(1) }})
	defer ax.Close()
	for i := uint32(1); i <= 5; i++ {
		if err := ax.SendFrame(frame(t, i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	waitFor(t, func() bool { return after.Load() == 5 })
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != uint16(i+1) {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestAsyncTxOverflow(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var drops atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func(can.Frame) error {
		started <- struct{}{}
		<-release
		return nil
	}, Hooks{OnDrop: func(can.Frame) error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)

	_ = ax.SendFrame(frame(t, 1))
	<-started // worker is now blocked on frame 1
	if err := ax.SendFrame(frame(t, 2)); err != nil {
		t.Fatalf("second frame should queue: %v", err)
	}
	if err := ax.SendFrame(frame(t, 3)); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if drops.Load() != 1 || ax.Len() != 1 {
		t.Fatalf("drops=%d len=%d", drops.Load(), ax.Len())
	}
}

func TestAsyncTxSendError(t *testing.T) {
	var failed atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(can.Frame) error { return errSendFail },
		Hooks{OnError: func(_ can.Frame, err error) {
			if errors.Is(err, errSendFail) {
				failed.Add(1)
			}
		}})
	defer ax.Close()
	_ = ax.SendFrame(frame(t, 9))
	waitFor(t, func() bool { return failed.Load() == 1 })
}

func TestAsyncTxClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(can.Frame) error { sent.Add(1); return nil }, Hooks{})
	ax.Close()
	ax.Close()
	if err := ax.SendFrame(frame(t, 1)); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatalf("frame processed after close")
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- ax.SendFrame(can.Frame{}) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
