package tts

import (
	"context"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
)

// ChunkBytes is the fixed wire-chunk size: at 24kHz/16-bit mono LINEAR16,
// 9600 bytes is exactly 200ms of audio.
const ChunkBytes = 9600

// ChunkInterval is the playback duration of one ChunkBytes chunk. Speak
// does not pace emission to it; it only yields interChunkYield between
// chunks.
const ChunkInterval = 200 * time.Millisecond

const interChunkYield = 10 * time.Millisecond

// Streamer synthesizes once per turn and emits the result in fixed chunks.
type Streamer struct {
	provider Provider
	logger   orchestrator.Logger
}

func NewStreamer(provider Provider, logger orchestrator.Logger) *Streamer {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Streamer{provider: provider, logger: logger}
}

// Speak synthesizes text and delivers it to emit in ChunkBytes pieces,
// calling isCurrent before every chunk and again before onComplete so a
// generation bump (barge-in, disconnect) stops output promptly. A nil
// return here does not mean the full utterance played; the caller inspects
// the isCurrent-triggered early return itself if it needs to distinguish.
func (s *Streamer) Speak(ctx context.Context, text, voice, language string, isCurrent func() bool, emit func(chunk []byte) error, onComplete func() error) error {
	if !isCurrent() {
		return nil
	}

	audio, err := s.provider.Synthesize(ctx, text, voice, language)
	if err != nil {
		return err
	}

	for offset := 0; offset < len(audio); offset += ChunkBytes {
		if !isCurrent() {
			return nil
		}
		end := offset + ChunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := emit(audio[offset:end]); err != nil {
			return err
		}
		if end < len(audio) {
			time.Sleep(interChunkYield)
		}
	}

	if !isCurrent() {
		return nil
	}
	return onComplete()
}

// Abort releases the underlying provider's resources, if it supports it.
func (s *Streamer) Abort() {
	if a, ok := s.provider.(Abortable); ok {
		a.Abort()
	}
}
