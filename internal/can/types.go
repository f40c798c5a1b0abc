package can

import (
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxPayload is the classic CAN data length limit.
const MaxPayload = 8

var (
	// ErrInvalidRange is returned for identifiers outside the 11-bit space.
	ErrInvalidRange = errors.New("can: identifier out of range (0..2047)")
	// ErrPayloadTooLarge is returned for payloads longer than MaxPayload.
	ErrPayloadTooLarge = errors.New("can: payload too large (max 8 bytes)")
	// ErrInterfaceNotFound is returned by transport resolvers.
	ErrInterfaceNotFound = errors.New("can: interface not found")
	// ErrReadTimeout is returned by transports when no frame arrived in time.
	ErrReadTimeout = errors.New("can: read timeout")
	// ErrDeviceClosed is returned by transports used after (or during) Close.
	ErrDeviceClosed = errors.New("can: device closed")
)

// Identifier is a standard (11-bit) arbitration ID plus RTR/ERR flags.
// The zero value is ID 0 without flags.
type Identifier struct {
	value uint16
	rtr   bool
	err   bool
}

// NewIdentifier validates raw against the standard ID space.
func NewIdentifier(raw uint32, rtr, err bool) (Identifier, error) {
	if raw > CAN_SFF_MASK {
		return Identifier{}, fmt.Errorf("%w: %d", ErrInvalidRange, raw)
	}
	return Identifier{value: uint16(raw), rtr: rtr, err: err}, nil
}

// IdentifierFromCANID decodes a SocketCAN can_id. Extended IDs are rejected.
func IdentifierFromCANID(canID uint32) (Identifier, error) {
	if canID&CAN_EFF_FLAG != 0 {
		return Identifier{}, fmt.Errorf("%w: extended id 0x%X", ErrInvalidRange, canID&CAN_EFF_MASK)
	}
	return Identifier{
		value: uint16(canID & CAN_SFF_MASK),
		rtr:   canID&CAN_RTR_FLAG != 0,
		err:   canID&CAN_ERR_FLAG != 0,
	}, nil
}

func (id Identifier) Value() uint16 { return id.value }
func (id Identifier) RTR() bool     { return id.rtr }
func (id Identifier) ERR() bool     { return id.err }

// WithRTR returns a copy with the RTR flag set.
func (id Identifier) WithRTR() Identifier { id.rtr = true; return id }

// WithERR returns a copy with the ERR flag set.
func (id Identifier) WithERR() Identifier { id.err = true; return id }

// CANID encodes the identifier in SocketCAN can_id layout.
func (id Identifier) CANID() uint32 {
	v := uint32(id.value)
	if id.rtr {
		v |= CAN_RTR_FLAG
	}
	if id.err {
		v |= CAN_ERR_FLAG
	}
	return v
}

func (id Identifier) String() string {
	rtr, errf := 0, 0
	if id.rtr {
		rtr = 1
	}
	if id.err {
		errf = 1
	}
	return fmt.Sprintf("0x%03X [RTR:%d ERR:%d]", id.value, rtr, errf)
}

// Interface is a resolved handle to one CAN network interface (or serial
// adapter). It is comparable and stable for the life of the binding.
type Interface struct {
	Name  string
	Index int
}

func (i Interface) String() string { return fmt.Sprintf("%s(#%d)", i.Name, i.Index) }

// Frame is a classic CAN frame together with the interface it was sent on or
// received from. Only the first Len bytes of Data are valid.
type Frame struct {
	ID    Identifier
	Iface Interface
	Len   uint8
	Data  [MaxPayload]byte
}

// NewFrame builds a frame. Interface liveness is not checked here.
func NewFrame(iface Interface, id Identifier, payload []byte) (Frame, error) {
	if len(payload) > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(payload))
	}
	f := Frame{ID: id, Iface: iface, Len: uint8(len(payload))}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns a copy of the valid data bytes.
func (f Frame) Payload() []byte {
	out := make([]byte, f.Len)
	copy(out, f.Data[:f.Len])
	return out
}

// String renders the frame for diagnostics: interface, id, flags, hex and ASCII payload.
func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s [%d]", f.Iface.Name, f.ID, f.Len)
	for _, c := range f.Data[:f.Len] {
		fmt.Fprintf(&b, " %02X", c)
	}
	b.WriteString(" - [ASCII: ")
	for _, c := range f.Data[:f.Len] {
		if c >= 0x20 && c < 0x7F {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	b.WriteByte(']')
	return b.String()
}
