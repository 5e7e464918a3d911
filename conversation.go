// Package teachmelive is a non-networked convenience wrapper around one
// session's C2/C3/C7 pipeline: session state, a batch speech-to-text call,
// and the turn orchestrator, driven directly in-process without a
// websocket. It exists for embedding the tutor in another Go program and
// for integration tests that want to drive a turn without standing up
// pkg/endpoint, analogous to the teacher's root Conversation type.
package teachmelive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/config"
	"github.com/lokutor-ai/teachme-live/pkg/llm"
	"github.com/lokutor-ai/teachme-live/pkg/metrics"
	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
	"github.com/lokutor-ai/teachme-live/pkg/session"
	"github.com/lokutor-ai/teachme-live/pkg/stt"
	"github.com/lokutor-ai/teachme-live/pkg/tools"
	"github.com/lokutor-ai/teachme-live/pkg/tts"
	"github.com/lokutor-ai/teachme-live/pkg/turn"
)

// Conversation is a high-level API for driving one tutoring session without
// a websocket: feed it audio or text, get back the transcript, the
// structured answer, and a stream of synthesized audio chunks.
type Conversation struct {
	orch   *turn.Orchestrator
	sess   *session.State
	stt    stt.BatchRecognizer
	cfg    config.Settings
	logger orchestrator.Logger
}

// New builds a Conversation. sttBatch may be nil if the caller only intends
// to use Chat/TextOnly (text in, no microphone audio).
func New(cfg config.Settings, llmClient llm.Client, toolsReg *tools.Registry, ttsProvider tts.Provider, sttBatch stt.BatchRecognizer, logger orchestrator.Logger) *Conversation {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	streamer := tts.NewStreamer(ttsProvider, logger)
	orch := turn.New(llmClient, toolsReg, cfg.StrictStructuredMode, streamer, metrics.New(), logger)

	sessionID := fmt.Sprintf("conv_%d", time.Now().UnixNano())
	return &Conversation{
		orch:   orch,
		sess:   session.New(sessionID, cfg, logger),
		stt:    sttBatch,
		cfg:    cfg,
		logger: logger,
	}
}

// SetTargetLanguage changes the tutor's output language for subsequent turns.
func (c *Conversation) SetTargetLanguage(lang session.Language) {
	c.sess.SetTargetLanguage(lang)
}

// SetTranslatorMode toggles translator mode for subsequent turns.
func (c *Conversation) SetTranslatorMode(on bool) {
	c.sess.SetTranslatorMode(on)
}

// ProcessAudio transcribes a complete utterance, then runs a turn: STT ->
// tool loop -> structured output -> TTS, streaming synthesized audio to
// onAudioChunk as it becomes available.
//
// Example:
//
//	transcript, answer, err := conv.ProcessAudio(ctx, pcm, func(chunk []byte) error {
//		return playToSpeaker(chunk)
//	})
func (c *Conversation) ProcessAudio(ctx context.Context, pcm []byte, onAudioChunk func([]byte) error) (transcript, answer string, err error) {
	if c.stt == nil {
		return "", "", fmt.Errorf("teachmelive: ProcessAudio requires a BatchRecognizer, got nil")
	}
	transcript, err = c.stt.Transcribe(ctx, pcm, string(c.sess.TargetLanguage()))
	if err != nil {
		return "", "", err
	}
	log.Printf("[%s] user: %s", c.sess.SessionID, transcript)

	res := c.runTurn(ctx, transcript, 1.0, onAudioChunk)
	return transcript, res.StructuredAnswer, nil
}

// Chat sends a text transcript straight into a turn, as if STT had already
// produced it at full confidence. Useful for text-only embedding or tests
// that don't want to exercise a real recognizer.
func (c *Conversation) Chat(ctx context.Context, text string, onAudioChunk func([]byte) error) (string, error) {
	log.Printf("[%s] user: %s", c.sess.SessionID, text)
	res := c.runTurn(ctx, text, 1.0, onAudioChunk)
	return res.StructuredAnswer, nil
}

// TextOnly runs a turn with no TTS output, for debugging or logging-only
// integrations.
func (c *Conversation) TextOnly(ctx context.Context, text string) (string, error) {
	return c.Chat(ctx, text, func([]byte) error { return nil })
}

func (c *Conversation) runTurn(ctx context.Context, transcript string, confidence float64, onAudioChunk func([]byte) error) turn.Result {
	c.sess.BeginTurn(time.Now())
	deadlines := turn.Deadlines{
		TimeBudgetMs:           c.cfg.TimeBudgetMs,
		ImageTimeBudgetMs:      c.cfg.ImageTimeBudgetMs,
		SttConfidenceThreshold: c.cfg.SttConfidenceThreshold,
		ToolMaxIters:           c.cfg.ToolMaxIters,
	}
	emit := &localEmitter{onAudioChunk: onAudioChunk}
	res := c.orch.RunTurn(ctx, c.sess, emit, deadlines, transcript, confidence)
	log.Printf("[%s] assistant: %s", c.sess.SessionID, res.StructuredAnswer)
	return res
}

// GetLastUploadedImage returns the most recently uploaded reference image,
// if any.
func (c *Conversation) GetLastUploadedImage() *session.Image {
	return c.sess.UploadedImage()
}

// SetUploadedImage attaches a reference image to the LLM calls of the
// following turns, until another image replaces it.
func (c *Conversation) SetUploadedImage(data []byte, mediaType string) {
	c.sess.SetUploadedImage(data, mediaType)
}

// GetHistory returns up to n of the most recent conversation turns.
func (c *Conversation) GetHistory(n int) []session.HistoryMessage {
	return c.sess.HistoryTail(n)
}

// GetSessionID returns the unique id for this conversation.
func (c *Conversation) GetSessionID() string {
	return c.sess.SessionID
}

// Close cancels any in-flight work and releases session resources.
func (c *Conversation) Close() {
	c.sess.Cleanup()
}

// localEmitter adapts Conversation to turn.Emitter, discarding the
// client-visible frames that only matter to a real wire connection
// (transcript echo, delta text, notes) and forwarding audio to the
// caller-supplied sink.
type localEmitter struct {
	onAudioChunk func([]byte) error
}

func (e *localEmitter) TranscriptFinal(context.Context, string, float64) error { return nil }
func (e *localEmitter) LLMDelta(context.Context, string, int, bool) error     { return nil }
func (e *localEmitter) Notes(context.Context, string) error                  { return nil }

func (e *localEmitter) AudioChunk(_ context.Context, chunk []byte) error {
	if e.onAudioChunk == nil {
		return nil
	}
	return e.onAudioChunk(chunk)
}

func (e *localEmitter) AudioComplete(context.Context) error { return nil }

var _ turn.Emitter = (*localEmitter)(nil)
