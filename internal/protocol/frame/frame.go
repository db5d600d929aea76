package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// Kind is the 1-byte frame type on the wire.
type Kind byte

const (
	KindData Kind = 0x00
	KindCtrl Kind = 0x01
)

const (
	// HeaderLen is the fixed wire header: [kind:1][payload_len:2 big-endian].
	HeaderLen = 3
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 0xFFFF
)

var ErrPayloadTooLarge = errors.New("frame: payload too large")

// Frame is one complete wire message.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode produces the wire bytes for one frame. The payload must fit in the
// 2-byte length field; exceeding it is a caller bug, reported explicitly.
func Encode(kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	return buf, nil
}

// Write encodes one frame and writes it to w.
func Write(w io.Writer, kind Kind, payload []byte) error {
	buf, err := Encode(kind, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decoder extracts complete frames from an accumulating byte stream.
// A partial frame is retained across Push calls, never discarded.
type Decoder struct {
	buf []byte
}

// Push appends raw stream bytes and returns every frame completed so far,
// in wire order. Returns nil when no complete frame is buffered yet.
func (d *Decoder) Push(data []byte) []Frame {
	d.buf = append(d.buf, data...)
	var frames []Frame
	for {
		f, ok := d.next()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

// Pending reports how many buffered bytes are awaiting frame completion.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) next() (Frame, bool) {
	if len(d.buf) < HeaderLen {
		return Frame{}, false
	}
	length := int(binary.BigEndian.Uint16(d.buf[1:3]))
	if len(d.buf) < HeaderLen+length {
		return Frame{}, false
	}
	payload := make([]byte, length)
	copy(payload, d.buf[HeaderLen:HeaderLen+length])
	f := Frame{Kind: Kind(d.buf[0]), Payload: payload}
	d.buf = d.buf[HeaderLen+length:]
	return f, true
}
