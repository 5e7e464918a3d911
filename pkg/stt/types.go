// Package stt implements the streaming speech-to-text adapter: the piece
// that turns a queue of PCM frames into interim/final transcripts while
// respecting a hard constraint of the underlying recognizer — its RPC does
// not truly start until the caller begins consuming responses, so stream
// construction and response iteration must happen on the same worker.
package stt

import "context"

// StreamConfig configures one recognizer stream.
type StreamConfig struct {
	LanguageCode        string
	AlternateLanguages  []string
	SampleRateHz        int
	EnableInterimResults bool
}

// RecognitionResult is one response from a streaming recognizer.
type RecognitionResult struct {
	Transcript string
	Confidence float64
	IsFinal    bool
}

// StreamConn is one open recognizer stream. Send must only be called from
// the worker goroutine that owns the stream (or a feeder goroutine it
// spawns); Recv is read in a loop by that same worker.
type StreamConn interface {
	Send(pcm []byte) error
	CloseSend() error
	Recv() (*RecognitionResult, error)
}

// StreamingRecognizer opens recognizer streams. StartStream must not block
// on the stream actually producing data; the RPC itself may not begin until
// the caller starts calling Recv.
type StreamingRecognizer interface {
	StartStream(ctx context.Context, cfg StreamConfig) (StreamConn, error)
	Name() string
}

// BatchRecognizer is the non-streaming fallback shape: transcribe a
// complete utterance in one call. Several vendor adapters only offer this.
type BatchRecognizer interface {
	Transcribe(ctx context.Context, pcm []byte, languageCode string) (string, error)
	Name() string
}
