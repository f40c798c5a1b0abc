package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

// ErrUnsupportedFrame is returned for frames the UART adapter cannot carry.
var ErrUnsupportedFrame = errors.New("serial: RTR/ERR frames not supported by the UART adapter")

const (
	preamble0 = 0x2D
	preamble1 = 0xD4

	insSend = 2 // CAN UART SEND
)

// Codec converts frames to and from the Ampio CAN-UART envelope.
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the buffer grows large
// relative to unread bytes. It returns true if compaction occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps data as [0x2D, 0xD4, len+1, data..., checksum] where
// checksum = 0x2D + (len+1) + sum(data) (mod 256).
func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0] = preamble0
	out[1] = preamble1
	out[2] = byte(n + 1)
	sum := out[2] + preamble0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the TX envelope: INS(1) FLAGS(1) ID(4, BE) PAYLOAD(0..8).
func (Codec) Encode(f can.Frame) ([]byte, error) {
	if f.ID.RTR() || f.ID.ERR() {
		return nil, ErrUnsupportedFrame
	}
	if f.Len > can.MaxPayload {
		return nil, fmt.Errorf("%w: %d", can.ErrPayloadTooLarge, f.Len)
	}
	tab := make([]byte, 6+f.Len)
	tab[0] = insSend
	tab[1] = 0x80 | f.Len // classic frame, DLC in the low bits
	binary.BigEndian.PutUint32(tab[2:6], uint32(f.ID.Value()))
	copy(tab[6:], f.Data[:f.Len])
	return envelope(tab), nil
}

// DecodeStream consumes complete RX envelopes from in and emits one frame per
// envelope via out. Partial envelopes stay buffered. RX layout:
//
//	2D D4 LEN ID(4, BE) PAYLOAD(0..8) CHECKSUM
//
// LEN counts ID + payload + checksum. Envelopes with a bad length or checksum
// are counted as malformed and skipped one byte at a time to resync; frames
// whose ID does not fit 11 bits are counted and dropped.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	const (
		minLn = 4 + 0 + 1
		maxLn = 4 + can.MaxPayload + 1
	)
	header := []byte{preamble0, preamble1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case the next read starts with the second preamble byte
			last := data[len(data)-1]
			in.Reset()
			_ = in.WriteByte(last)
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return
		}
		sum := uint(preamble0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		raw := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : req-1]
		id, err := can.NewIdentifier(raw, false, false)
		if err != nil {
			metrics.IncMalformed()
			in.Next(req)
			continue
		}
		f := can.Frame{ID: id, Len: uint8(len(payload))}
		copy(f.Data[:], payload)
		in.Next(req)
		out(f)
	}
}
