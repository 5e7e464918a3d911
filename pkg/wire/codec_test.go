package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"empty payload", Connected, nil},
		{"json payload", TranscriptFinal, []byte(`{"text":"hi","confidence":0.9}`)},
		{"binary payload", AudioChunk, bytes.Repeat([]byte{0x01, 0x02}, 4800)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := Encode(tc.typ, tc.payload)
			msg, err := Decode(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Type != tc.typ {
				t.Fatalf("type = %v, want %v", msg.Type, tc.typ)
			}
			if !bytes.Equal(msg.Payload, tc.payload) {
				t.Fatalf("payload = %v, want %v", msg.Payload, tc.payload)
			}
		})
	}
}

func TestDecodeTruncatedNeverPanics(t *testing.T) {
	frame := Encode(AudioFrame, bytes.Repeat([]byte{0xFF}, 100))

	for n := 0; n <= len(frame); n++ {
		truncated := frame[:n]
		_, err := Decode(truncated)
		if n < headerLen {
			if !errors.Is(err, ErrShortFrame) {
				t.Fatalf("len=%d: err = %v, want ErrShortFrame", n, err)
			}
			continue
		}
		if n < len(frame) {
			if !errors.Is(err, ErrLengthMismatch) {
				t.Fatalf("len=%d: err = %v, want ErrLengthMismatch", n, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("len=%d (full frame): unexpected err %v", n, err)
		}
	}
}

func TestDecodeShortHeader(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x00})
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("err = %v, want ErrShortFrame", err)
	}
}
