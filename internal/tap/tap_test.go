package tap

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/cnl"
	"github.com/kstaniek/go-can-example/internal/hub"
	"github.com/kstaniek/go-can-example/internal/logging"
	"github.com/kstaniek/go-can-example/internal/metrics"
	"github.com/kstaniek/go-can-example/internal/transport"
)

// capture records injected frames.
type capture struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (c *capture) send(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *capture) count() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.frames) }

func startServer(t *testing.T, h *hub.Hub, send SendFunc, opts ...Option) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]Option{WithLogger(logging.Discard()), WithHandshakeTimeout(time.Second)}, opts...)
	srv := New(h, send, opts...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not become ready")
	}
	t.Cleanup(cancel)
	return srv, cancel
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := cnl.Handshake(context.Background(), c, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frame(t *testing.T, raw uint32, data string) can.Frame {
	t.Helper()
	id, err := can.NewIdentifier(raw, false, false)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := can.NewFrame(can.Interface{}, id, []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return fr
}

func TestTapInjectAndBroadcast(t *testing.T) {
	h := hub.New()
	cp := &capture{}
	srv, _ := startServer(t, h, cp.send)
	c := dialAndHandshake(t, srv.Addr())
	waitUntil(t, "client registration", func() bool { return h.Count() == 1 })

	// client -> bus
	if _, err := c.Write(cnl.Codec{}.Encode([]can.Frame{frame(t, 0x123, "abc")})); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "injected frame", func() bool { return cp.count() == 1 })
	cp.mu.Lock()
	got := cp.frames[0]
	cp.mu.Unlock()
	if got.ID.Value() != 0x123 || string(got.Payload()) != "abc" {
		t.Fatalf("unexpected injected frame %v", got)
	}

	// bus -> client
	txBefore := metrics.Snap().TapTx
	h.Publish(frame(t, 0x456, "hi"))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	out, err := cnl.Codec{}.Decode(c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID.Value() != 0x456 || string(out.Payload()) != "hi" {
		t.Fatalf("unexpected broadcast frame %v", out)
	}
	if metrics.Snap().TapTx <= txBefore {
		t.Fatalf("tap tx not counted")
	}
}

func TestTapBatchesFrames(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, h, (&capture{}).send, WithBatchSize(4), WithFlushInterval(time.Hour))
	c := dialAndHandshake(t, srv.Addr())
	waitUntil(t, "client registration", func() bool { return h.Count() == 1 })
	for i := 0; i < 4; i++ {
		h.Publish(frame(t, uint32(i), "x"))
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	var got []can.Frame
	for len(got) < 4 {
		fr, err := cnl.Codec{}.Decode(c)
		if err != nil {
			t.Fatalf("decode after %d frames: %v", len(got), err)
		}
		got = append(got, fr)
	}
	for i, fr := range got {
		if fr.ID.Value() != uint16(i) {
			t.Fatalf("batch order broken: %v", got)
		}
	}
}

func TestTapMaxClients(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, h, (&capture{}).send, WithMaxClients(1))
	_ = dialAndHandshake(t, srv.Addr())
	waitUntil(t, "first client", func() bool { return srv.Clients() == 1 })
	before := metrics.Snap().HubRejects
	c2 := dialAndHandshake(t, srv.Addr())
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatalf("second client should be closed")
	}
	if metrics.Snap().HubRejects != before+1 {
		t.Fatalf("rejection not counted")
	}
	if h.Count() != 1 {
		t.Fatalf("rejected client must not join the hub")
	}
}

func TestTapMalformedStreamDropsClient(t *testing.T) {
	h := hub.New()
	cp := &capture{}
	srv, _ := startServer(t, h, cp.send)
	c := dialAndHandshake(t, srv.Addr())
	waitUntil(t, "client registration", func() bool { return h.Count() == 1 })
	before := metrics.Snap().Malformed
	// extended identifier, then a valid frame that must never be injected
	bad := []byte{0x80, 0x00, 0x01, 0x00, 0x00}
	bad = append(bad, cnl.Codec{}.Encode([]can.Frame{frame(t, 1, "ok")})...)
	if _, err := c.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = io.ReadAll(c)
	waitUntil(t, "client removal", func() bool { return h.Count() == 0 })
	if metrics.Snap().Malformed <= before {
		t.Fatalf("malformed frame not counted")
	}
	if cp.count() != 0 {
		t.Fatalf("frames after a malformed one must not be injected")
	}
}

func TestTapInjectOverflowKeepsClient(t *testing.T) {
	h := hub.New()
	release := make(chan struct{})
	tx := transport.NewAsyncTx(context.Background(), 1, func(can.Frame) error {
		<-release
		return nil
	}, transport.Hooks{OnDrop: func(can.Frame) error { return ErrOverflow }})
	defer tx.Close()
	defer close(release)

	srv, _ := startServer(t, h, tx.SendFrame)
	c := dialAndHandshake(t, srv.Addr())
	waitUntil(t, "client registration", func() bool { return h.Count() == 1 })

	var burst bytes.Buffer
	for i := 0; i < 8; i++ {
		burst.Write(cnl.Codec{}.Encode([]can.Frame{frame(t, uint32(i), "z")}))
	}
	rxBefore := metrics.Snap().TapRx
	if _, err := c.Write(burst.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "all frames decoded", func() bool { return metrics.Snap().TapRx >= rxBefore+8 })
	if srv.injectDrop.Load() == 0 {
		t.Fatalf("expected dropped injections")
	}
	if h.Count() != 1 {
		t.Fatalf("overflow must not disconnect the client")
	}
}

func TestTapShutdown(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, h, (&capture{}).send)
	c1 := dialAndHandshake(t, srv.Addr())
	c2 := dialAndHandshake(t, srv.Addr())
	waitUntil(t, "clients", func() bool { return h.Count() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, c := range []net.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := c.Read(make([]byte, 8)); err == nil {
			t.Fatalf("expected read to fail after shutdown")
		}
	}
	if h.Count() != 0 {
		t.Fatalf("hub still holds %d clients", h.Count())
	}
	if _, err := net.DialTimeout("tcp", srv.Addr(), 200*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting")
	}
}

func TestTapHandshakeFailure(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, h, (&capture{}).send, WithHandshakeTimeout(50*time.Millisecond))
	c, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, _ = c.Write([]byte("HELLOHELLOHE"))
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = io.ReadAll(c)
	waitUntil(t, "handshake failure", func() bool { return srv.hsFailed.Load() == 1 })
	if h.Count() != 0 {
		t.Fatalf("failed handshake must not join the hub")
	}
}

func TestMapErrToMetric(t *testing.T) {
	cases := map[error]string{
		ErrConnRead:  metrics.ErrTapRead,
		ErrConnWrite: metrics.ErrTapWrite,
		ErrHandshake: metrics.ErrHandshake,
		ErrOverflow:  metrics.ErrInjectOver,
		ErrInject:    metrics.ErrInject,
		io.EOF:       "other",
	}
	for err, want := range cases {
		if got := mapErrToMetric(err); got != want {
			t.Fatalf("%v: got %q want %q", err, got, want)
		}
	}
}
