// Package frame implements the length-prefixed binary framing used
// once a session leaves the HTTP-disguise phase (spec §4.3):
//
//	frame = u32 length, u8 opcode, payload[length-1]
//
// Decode is streaming-friendly: it returns ErrNeedMore on a partial
// buffer and never consumes bytes on a malformed frame, mirroring
// gametunnel/packet.go's Unmarshal contract.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the frame's payload shape.
type Opcode uint8

const (
	OpData Opcode = 0x01
	OpPing Opcode = 0x02
	OpPong Opcode = 0x03
	OpBye  Opcode = 0x04
)

func (o Opcode) String() string {
	switch o {
	case OpData:
		return "Data"
	case OpPing:
		return "Ping"
	case OpPong:
		return "Pong"
	case OpBye:
		return "Bye"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

const (
	// MinFrameSize is length(4) + opcode(1), with a zero-byte payload.
	MinFrameSize = 5
	// MaxFrameSize is the spec's hard cap regardless of MTU.
	MaxFrameSize = 65535

	lengthFieldSize = 4
	opcodeFieldSize = 1
)

// ErrNeedMore indicates buf does not yet contain a full frame; the
// caller should read more bytes and retry.
var ErrNeedMore = errors.New("frame: need more data")

// Frame is one decoded binary frame.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// EncodeData returns the wire bytes for a Data frame carrying pkt. It
// rejects pkt larger than mtu (capped at the frame format's own max
// payload size), per spec §4.3: payload = MTU encodes, MTU+1 is
// rejected here so the caller can count it as dropped.
func EncodeData(pkt []byte, mtu int) ([]byte, error) {
	maxPayload := mtu
	cap := MaxFrameSize - lengthFieldSize - opcodeFieldSize
	if maxPayload > cap {
		maxPayload = cap
	}
	if len(pkt) > maxPayload {
		return nil, fmt.Errorf("frame: data payload %d bytes exceeds mtu-derived max %d", len(pkt), maxPayload)
	}
	return encode(OpData, pkt)
}

// EncodePing returns the fixed 9-byte Ping frame: 00 00 00 05 02 50 49 4E 47.
func EncodePing() []byte {
	b, _ := encode(OpPing, []byte("PING"))
	return b
}

// EncodePong returns the fixed 9-byte Pong frame.
func EncodePong() []byte {
	b, _ := encode(OpPong, []byte("PONG"))
	return b
}

// EncodeBye returns a Bye frame carrying reason (may be empty).
func EncodeBye(reason string) ([]byte, error) {
	return encode(OpBye, []byte(reason))
}

func encode(op Opcode, payload []byte) ([]byte, error) {
	total := lengthFieldSize + opcodeFieldSize + len(payload)
	if total < MinFrameSize || total > MaxFrameSize {
		return nil, fmt.Errorf("frame: total size %d out of bounds %d..%d", total, MinFrameSize, MaxFrameSize)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], uint32(total-lengthFieldSize))
	buf[lengthFieldSize] = byte(op)
	copy(buf[lengthFieldSize+opcodeFieldSize:], payload)
	return buf, nil
}

// Decode reads one frame off the front of buf. On success it returns
// the frame and the remaining unconsumed bytes. If buf doesn't yet
// contain a full frame it returns ErrNeedMore and leaves buf untouched
// (via the returned rest == buf). On a structurally invalid frame it
// returns a non-ErrNeedMore error and also leaves buf untouched, so a
// caller reading a stream can decide whether to resync or abort.
func Decode(buf []byte) (f *Frame, rest []byte, err error) {
	if len(buf) < lengthFieldSize {
		return nil, buf, ErrNeedMore
	}

	length := binary.BigEndian.Uint32(buf)
	total := int(length) + lengthFieldSize
	if total < MinFrameSize || total > MaxFrameSize {
		return nil, buf, fmt.Errorf("frame: advertised total size %d out of bounds %d..%d", total, MinFrameSize, MaxFrameSize)
	}
	if len(buf) < total {
		return nil, buf, ErrNeedMore
	}

	opcode := Opcode(buf[lengthFieldSize])
	payload := make([]byte, total-lengthFieldSize-opcodeFieldSize)
	copy(payload, buf[lengthFieldSize+opcodeFieldSize:total])

	return &Frame{Opcode: opcode, Payload: payload}, buf[total:], nil
}
