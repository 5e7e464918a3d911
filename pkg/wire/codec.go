// Package wire implements the duplex framed protocol spoken between the
// tutor endpoint and its client: one type byte, a big-endian uint32 payload
// length, then the payload. Audio messages carry raw PCM16; everything else
// carries UTF-8 JSON.
package wire

import (
	"encoding/binary"
	"errors"
)

// Type is the wire message type byte. Numeric values are fixed for
// compatibility and must never be renumbered.
type Type uint8

const (
	// Client -> server.
	AudioFrame   Type = 0x01
	Init         Type = 0x02
	ConfigUpdate Type = 0x03
	ImageUpload  Type = 0x04
	RequestNotes Type = 0x05
	SpeechStart  Type = 0x06
	SpeechEnd    Type = 0x07
	BargeIn      Type = 0x08

	// Server -> client.
	Connected          Type = 0x10
	TranscriptInterim  Type = 0x11
	TranscriptFinal    Type = 0x12
	AudioChunk         Type = 0x13
	AudioComplete      Type = 0x14
	ErrorFrame         Type = 0x15
	Notes              Type = 0x16
	ImageReceived      Type = 0x17
	ConfigUpdated      Type = 0x18
	LLMDelta           Type = 0x19
)

// headerLen is the fixed 1-byte-type + 4-byte-length prefix.
const headerLen = 5

var (
	// ErrShortFrame is returned when fewer than headerLen bytes are available.
	ErrShortFrame = errors.New("wire: frame shorter than header")
	// ErrLengthMismatch is returned when the declared payload length exceeds
	// the bytes actually available.
	ErrLengthMismatch = errors.New("wire: declared length exceeds buffer")
	// ErrUnknownType is raised only at the dispatcher, never by the codec
	// itself, since the codec is agnostic to which types are valid.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Message is a decoded frame: a type and its raw payload.
type Message struct {
	Type    Type
	Payload []byte
}

// Encode serializes a single frame: type byte + 4-byte big-endian length +
// payload.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Decode parses exactly one frame out of buf. It never panics: truncated
// input yields ErrShortFrame or ErrLengthMismatch.
func Decode(buf []byte) (Message, error) {
	if len(buf) < headerLen {
		return Message{}, ErrShortFrame
	}
	t := Type(buf[0])
	length := binary.BigEndian.Uint32(buf[1:5])
	if int(length) > len(buf)-headerLen {
		return Message{}, ErrLengthMismatch
	}
	payload := make([]byte, length)
	copy(payload, buf[headerLen:headerLen+int(length)])
	return Message{Type: t, Payload: payload}, nil
}
