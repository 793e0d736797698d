package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Kind distinguishes frames on the wire.
type Kind byte

const (
	// KindMessage carries a payload for a named channel. ID 0 expects no reply.
	KindMessage Kind = 1
	// KindReply answers the message with the same ID.
	KindReply Kind = 2
)

// ErrBadFrame indicates a frame that cannot be parsed.
var ErrBadFrame = errors.New("bad frame")

const headerLen = 1 + 4 + 2

// Frame is the unit exchanged by a Transport.
type Frame struct {
	Kind    Kind
	ID      uint32
	Channel string
	Payload []byte
}

// MarshalBinary lays the frame out as kind, id, channel length, channel, payload.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Channel) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: channel name too long", ErrBadFrame)
	}
	b := make([]byte, 0, headerLen+len(f.Channel)+len(f.Payload))
	b = append(b, byte(f.Kind))
	b = binary.LittleEndian.AppendUint32(b, f.ID)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(f.Channel)))
	b = append(b, f.Channel...)
	b = append(b, f.Payload...)
	return b, nil
}

// ParseFrame decodes a frame produced by MarshalBinary.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < headerLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(b))
	}
	f := Frame{Kind: Kind(b[0]), ID: binary.LittleEndian.Uint32(b[1:5])}
	if f.Kind != KindMessage && f.Kind != KindReply {
		return Frame{}, fmt.Errorf("%w: kind %d", ErrBadFrame, b[0])
	}
	n := int(binary.LittleEndian.Uint16(b[5:7]))
	if len(b) < headerLen+n {
		return Frame{}, fmt.Errorf("%w: channel name truncated", ErrBadFrame)
	}
	f.Channel = string(b[headerLen : headerLen+n])
	if rest := b[headerLen+n:]; len(rest) > 0 {
		f.Payload = rest
	}
	return f, nil
}
