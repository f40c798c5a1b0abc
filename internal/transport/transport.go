// Package transport holds the frame plumbing shared by the tap and the
// session: capability interfaces and an asynchronous TX queue.
package transport

import (
	"io"

	"github.com/kstaniek/go-can-example/internal/can"
	"github.com/kstaniek/go-can-example/internal/cnl"
)

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// FrameBatchEncoder writes a batch of frames in one call.
type FrameBatchEncoder interface {
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// FrameSink is a CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ FrameDecoder      = cnl.Codec{}
	_ FrameBatchEncoder = cnl.Codec{}
	_ FrameSink         = (*AsyncTx)(nil)
)
