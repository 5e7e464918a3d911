// Package tts turns one turn's reply text into a single synthesized audio
// buffer and re-slices it into fixed-size chunks for wire delivery, checking
// for cancellation before every chunk so a barge-in stops playback output
// within one chunk interval instead of waiting for the whole utterance.
package tts

import "context"

// Provider performs one complete text-to-speech synthesis call per turn.
// Vendors that stream audio back internally (rather than returning one
// buffer) are expected to collect their own stream before returning here;
// this package's chunking is a wire-delivery concern, not a vendor concern.
type Provider interface {
	Synthesize(ctx context.Context, text, voice, language string) ([]byte, error)
	Name() string
}

// Abortable lets a provider release any connection/resources it is holding
// open when a turn is cancelled mid-synthesis.
type Abortable interface {
	Abort()
}
