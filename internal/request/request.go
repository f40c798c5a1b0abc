// Package request turns user-entered send parameters into a CAN frame.
package request

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-can-example/internal/can"
)

var (
	ErrBadID        = errors.New("enter a valid ID (0 <= id < 2048)")
	ErrEmptyPayload = errors.New("enter frame data")
	ErrBadFrameType = errors.New("frame type must be data, rtr or err")
)

// FrameType selects which identifier flag is set.
type FrameType int

const (
	Data FrameType = iota
	RemoteRequest
	Error
)

func (t FrameType) String() string {
	switch t {
	case Data:
		return "data"
	case RemoteRequest:
		return "rtr"
	case Error:
		return "err"
	default:
		return "unknown"
	}
}

// ParseFrameType accepts data, rtr or err (case-insensitive).
func ParseFrameType(s string) (FrameType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "data", "d":
		return Data, nil
	case "rtr", "remote", "r":
		return RemoteRequest, nil
	case "err", "error", "e":
		return Error, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadFrameType, s)
}

// Build validates the decimal identifier text and payload text and returns
// the frame to send. The payload is the raw bytes of payloadText.
func Build(iface can.Interface, idText string, ft FrameType, payloadText string) (can.Frame, error) {
	raw, err := strconv.ParseUint(strings.TrimSpace(idText), 10, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: %q", ErrBadID, idText)
	}
	id, err := can.NewIdentifier(uint32(raw), ft == RemoteRequest, ft == Error)
	if err != nil {
		return can.Frame{}, err
	}
	if payloadText == "" {
		return can.Frame{}, ErrEmptyPayload
	}
	return can.NewFrame(iface, id, []byte(payloadText))
}
