package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

func mkFrame(t testing.TB, raw uint32, data string) can.Frame {
	t.Helper()
	id, err := can.NewIdentifier(raw, false, false)
	if err != nil {
		t.Fatal(err)
	}
	f, err := can.NewFrame(can.Interface{}, id, []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}
	rtr := mkFrame(t, 0x7FF, "rtr")
	rtr.ID = rtr.ID.WithRTR()
	errf := mkFrame(t, 0x001, "e")
	errf.ID = errf.ID.WithERR()
	in := []can.Frame{mkFrame(t, 0x123, "abcdefgh"), mkFrame(t, 0, ""), rtr, errf}

	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean EOF, got %v", err)
	}
	if n != len(in) {
		t.Fatalf("decoded %d, want %d", n, len(in))
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].Len != in[i].Len {
			t.Fatalf("frame %d: got %v want %v", i, out[i], in[i])
		}
	}
	if string(out[0].Payload()) != "abcdefgh" {
		t.Fatalf("payload mismatch: %q", out[0].Payload())
	}
	if out[2].Data != [can.MaxPayload]byte{} {
		t.Fatalf("rtr frame must not carry payload bytes")
	}
}

func TestCodecWireLayout(t *testing.T) {
	f := mkFrame(t, 0x123, "hi")
	f.ID = f.ID.WithERR()
	got := Codec{}.Encode([]can.Frame{f})
	want := []byte{0x20, 0x00, 0x01, 0x23, 0x02, 'h', 'i'}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire % X want % X", got, want)
	}
	var buf bytes.Buffer
	if _, err := (Codec{}).EncodeTo(&buf, []can.Frame{f}); err != nil || !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("EncodeTo % X %v", buf.Bytes(), err)
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		wire []byte
		want error
	}{
		{"length above 8", []byte{0, 0, 0, 1, 0x89}, ErrInvalidLength},
		{"truncated payload", []byte{0, 0, 0, 2, 5, 1, 2, 3}, ErrTruncatedFrame},
		{"truncated id", []byte{0, 0}, ErrTruncatedFrame},
		{"missing length", []byte{0, 0, 0, 3}, ErrTruncatedFrame},
		{"extended id", []byte{0x80, 0x01, 0x23, 0x45, 0}, ErrExtendedFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := metrics.Snap().Malformed
			_, err := Codec{}.Decode(bytes.NewReader(tc.wire))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if metrics.Snap().Malformed <= before {
				t.Fatalf("malformed frame not counted")
			}
		})
	}
}

func BenchmarkCodecEncode(b *testing.B) {
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(b, uint32(0x100+i), "12345678")
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Codec{}.Encode(frames)
	}
}

func BenchmarkCodecDecodeN(b *testing.B) {
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(b, uint32(0x300+i), "12345678")
	}
	wire := Codec{}.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Codec{}.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
