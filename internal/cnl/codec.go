// Package cnl implements the Cannelloni TCP frame stream used by the frame tap.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/metrics"
)

// Wire layout per frame: can_id (4, BE, SocketCAN flags) | len (1) | payload.
// RTR frames carry the length but no payload bytes.
const maxWireFrame = 4 + 1 + can.MaxPayload

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the stream ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrExtendedFrame is returned for 29-bit identifiers, which this link does not carry.
	ErrExtendedFrame = errors.New("cannelloni: extended frame rejected")
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

// Append appends the wire form of f to dst.
func (Codec) Append(dst []byte, f can.Frame) []byte {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], f.ID.CANID())
	dst = append(dst, id[:]...)
	dst = append(dst, f.Len)
	if !f.ID.RTR() {
		dst = append(dst, f.Data[:f.Len]...)
	}
	return dst
}

// Encode packs frames into one buffer.
func (c Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(frames)*maxWireFrame)
	for _, f := range frames {
		buf = c.Append(buf, f)
	}
	return buf
}

// EncodeTo writes frames to w in a single Write call.
func (c Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	n, err := w.Write(c.Encode(frames))
	if err != nil {
		return n, fmt.Errorf("cannelloni encode: %w", err)
	}
	return n, nil
}

// Decode reads exactly one frame from r. It returns io.EOF only at a clean
// frame boundary. Malformed frames are counted; the stream cannot be resynced
// after one, so callers should drop the connection.
func (Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return can.Frame{}, fmt.Errorf("cannelloni decode id: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
	}
	raw := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F) // high bit reserved for CAN FD
	if ln > can.MaxPayload {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	id, err := can.IdentifierFromCANID(raw)
	if err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("%w: %w", ErrExtendedFrame, err)
	}
	f := can.Frame{ID: id, Len: uint8(ln)}
	if ln > 0 && !id.RTR() {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (unbounded when max <= 0), calling onFrame
// for each. It returns the count and the terminal error, io.EOF included.
func (c Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	n := 0
	for max <= 0 || n < max {
		f, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(f)
		n++
	}
	return n, nil
}
