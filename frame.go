// Package bililive is a client for the Bilibili live danmaku feed.
// It multiplexes many logical messages over one websocket carrying
// length-prefixed binary frames, keeps the connection alive with heartbeats
// and routes decoded commands to registered handlers.
package bililive

import (
	"encoding/binary"
	"iter"
	"strconv"

	"github.com/pkg/errors"
)

// Operation is the action code carried in every frame header.
type Operation uint32

// Operation codes understood by the feed.
const (
	OpHeartbeat      Operation = 2
	OpHeartbeatReply Operation = 3
	OpMessage        Operation = 5
	OpJoin           Operation = 7
	OpConnectSuccess Operation = 8
)

func (op Operation) String() string {
	switch op {
	case OpHeartbeat:
		return "heartbeat"
	case OpHeartbeatReply:
		return "heartbeat_reply"
	case OpMessage:
		return "message"
	case OpJoin:
		return "join"
	case OpConnectSuccess:
		return "connect_success"
	default:
		return "op_" + strconv.FormatUint(uint64(op), 10)
	}
}

// Wire constants.
const (
	// HeaderLength is the size of the fixed frame header.
	HeaderLength = 16
	// DefaultProtocolVersion is the version tag written on outbound frames.
	DefaultProtocolVersion uint16 = 1
	// DefaultSequence is the correlation value written on outbound frames.
	DefaultSequence uint32 = 1
)

// Frame is one length-prefixed unit on the wire.
//
// Layout, all integers big-endian:
//
//	0  uint32 total length (header + payload)
//	4  uint16 header length
//	6  uint16 protocol version
//	8  uint32 operation
//	12 uint32 sequence / param
//	16 payload
type Frame struct {
	TotalLength  uint32
	HeaderLength uint16
	Version      uint16
	Operation    Operation
	Sequence     uint32
	Payload      []byte
}

// EncodeFrame serializes one frame. Payload size is not limited here.
func EncodeFrame(op Operation, payload []byte, version uint16, sequence uint32) []byte {
	buf := make([]byte, HeaderLength+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], HeaderLength)
	binary.BigEndian.PutUint16(buf[6:8], version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(op))
	binary.BigEndian.PutUint32(buf[12:16], sequence)
	copy(buf[HeaderLength:], payload)
	return buf
}

// DecodeFrames lazily walks buf, which may hold any number of concatenated
// frames. When the remaining bytes cannot form a frame the sequence yields a
// single error wrapping ErrMalformedFrame and ends; frames before the corrupt
// point have already been yielded. Range over it again to restart.
//
// Payloads alias buf.
func DecodeFrames(buf []byte) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		offset := 0
		for offset < len(buf) {
			frame, err := decodeFrame(buf[offset:])
			if err != nil {
				yield(Frame{}, errors.WithMessagef(err, "at offset %d", offset))
				return
			}
			if !yield(frame, nil) {
				return
			}
			offset += int(frame.TotalLength)
		}
	}
}

// DecodeAll collects every frame in buf. On a malformed tail it returns the
// frames decoded so far together with the error.
func DecodeAll(buf []byte) ([]Frame, error) {
	var frames []Frame
	for frame, err := range DecodeFrames(buf) {
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func decodeFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderLength {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "%d bytes left, header needs %d", len(buf), HeaderLength)
	}

	frame := Frame{
		TotalLength:  binary.BigEndian.Uint32(buf[0:4]),
		HeaderLength: binary.BigEndian.Uint16(buf[4:6]),
		Version:      binary.BigEndian.Uint16(buf[6:8]),
		Operation:    Operation(binary.BigEndian.Uint32(buf[8:12])),
		Sequence:     binary.BigEndian.Uint32(buf[12:16]),
	}

	switch {
	case frame.TotalLength == 0:
		return Frame{}, errors.Wrap(ErrMalformedFrame, "zero total length")
	case frame.HeaderLength < HeaderLength:
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "header length %d below %d", frame.HeaderLength, HeaderLength)
	case frame.TotalLength < uint32(frame.HeaderLength):
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "total length %d below header length %d", frame.TotalLength, frame.HeaderLength)
	case uint64(frame.TotalLength) > uint64(len(buf)):
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "total length %d exceeds %d remaining bytes", frame.TotalLength, len(buf))
	}

	frame.Payload = buf[frame.HeaderLength:frame.TotalLength]
	return frame, nil
}

// FrameCodec encodes frames with a fixed version and sequence value.
// The zero value writes version 0 and sequence 0; use NewFrameCodec for the
// feed defaults.
type FrameCodec struct {
	Version  uint16
	Sequence uint32
}

// NewFrameCodec returns a codec writing the given protocol version and the
// default sequence value.
func NewFrameCodec(version uint16) FrameCodec {
	return FrameCodec{Version: version, Sequence: DefaultSequence}
}

// Encode serializes a frame using the codec's version and sequence.
func (c FrameCodec) Encode(op Operation, payload []byte) []byte {
	return EncodeFrame(op, payload, c.Version, c.Sequence)
}

// Decode is DecodeFrames.
func (c FrameCodec) Decode(buf []byte) iter.Seq2[Frame, error] {
	return DecodeFrames(buf)
}
