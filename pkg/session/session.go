// Package session owns the single piece of mutable, per-connection state: a
// session's language/translator settings, conversation history, bounded
// audio queue, turn/generation counters and cancellation handles. It is
// touched from the endpoint's event loop and from per-turn work, so each
// field is either guarded by the State's mutex or is an atomic.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/config"
	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
)

// Language is the tutor's target output language.
type Language string

const (
	LanguageEN Language = "en"
	LanguageKO Language = "ko"
)

// HistoryMessage is one turn of conversation, capped by maxHistory.
type HistoryMessage struct {
	Role string
	Text string
}

// Image is an uploaded reference image, attached to every later LLM call
// until another image replaces it.
type Image struct {
	Data      []byte
	MediaType string
}

const maxHistory = 20

// State is per-connection session state. Zero value is not usable; build
// with New.
type State struct {
	SessionID string

	mu             sync.Mutex
	targetLanguage Language
	translatorMode bool
	history        []HistoryMessage
	uploadedImage  *Image

	audioQueue    chan []byte
	maxQueueSize  int
	droppedFrames atomic.Int64
	lastDropLog   atomic.Int64 // unix nano, rate limits the drop warning to 1/s

	currentTurnID  atomic.Int64
	generationID   atomic.Int64
	turnStartedAt  time.Time
	turnAudioBytes int

	lastAudioTime            atomic.Int64 // unix nano
	lastTranscriptConfidence float64
	isTTSPlaying             bool

	orchCancel context.CancelFunc
	ttsCancel  context.CancelFunc
	llmCancel  context.CancelFunc

	logger orchestrator.Logger
}

// New builds session state seeded from cfg's defaults; INIT and
// CONFIG_UPDATE values are applied afterwards through the setters.
func New(sessionID string, cfg config.Settings, logger orchestrator.Logger) *State {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	lang := Language(cfg.TargetLanguage)
	if lang != LanguageEN && lang != LanguageKO {
		lang = LanguageEN
	}
	maxQueue := 100
	return &State{
		SessionID:      sessionID,
		targetLanguage: lang,
		translatorMode: cfg.TranslatorMode,
		audioQueue:     make(chan []byte, maxQueue),
		maxQueueSize:   maxQueue,
		logger:         logger,
	}
}

// TargetLanguage returns the session's current output language.
func (s *State) TargetLanguage() Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetLanguage
}

// SetTargetLanguage applies a CONFIG_UPDATE language change.
func (s *State) SetTargetLanguage(lang Language) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetLanguage = lang
}

// TranslatorMode reports whether translator mode is enabled.
func (s *State) TranslatorMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translatorMode
}

// SetTranslatorMode applies a CONFIG_UPDATE translator-mode flip.
func (s *State) SetTranslatorMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translatorMode = on
}

// AudioQueue exposes the bounded channel for the STT producer to drain.
func (s *State) AudioQueue() <-chan []byte {
	return s.audioQueue
}

// EnqueueAudio performs a non-blocking put. On saturation it increments the
// drop counter and logs at most once per second (I6, P2).
func (s *State) EnqueueAudio(frame []byte) (accepted bool) {
	select {
	case s.audioQueue <- frame:
		return true
	default:
		s.droppedFrames.Add(1)
		s.maybeLogDrop()
		return false
	}
}

func (s *State) maybeLogDrop() {
	now := time.Now().UnixNano()
	last := s.lastDropLog.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastDropLog.CompareAndSwap(last, now) {
		s.logger.Warn("audio queue saturated, dropping frame", "sessionID", s.SessionID, "totalDropped", s.droppedFrames.Load())
	}
}

// DroppedFrames is the monotonically increasing drop counter (P8).
func (s *State) DroppedFrames() int64 {
	return s.droppedFrames.Load()
}

// MarkAudioReceived records the wall-clock time of the most recent frame.
// The STT adapter's silence timer keeps its own timestamp and does not read
// this one.
func (s *State) MarkAudioReceived(now time.Time) {
	s.lastAudioTime.Store(now.UnixNano())
}

// LastAudioTime returns the last MarkAudioReceived time, or the zero Time if
// none yet.
func (s *State) LastAudioTime() time.Time {
	ns := s.lastAudioTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// BeginTurn advances the turn counter and resets per-turn accounting.
func (s *State) BeginTurn(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.currentTurnID.Add(1)
	s.turnStartedAt = now
	s.turnAudioBytes = 0
	return int(id)
}

// CurrentTurnID is the most recently begun turn id.
func (s *State) CurrentTurnID() int {
	return int(s.currentTurnID.Load())
}

// AddTurnAudioBytes accumulates bytes received during the active turn and
// returns the new total, for the 413 over-budget check.
func (s *State) AddTurnAudioBytes(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnAudioBytes += n
	return s.turnAudioBytes
}

// TurnStartedAt is the wall-clock start of the current turn.
func (s *State) TurnStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnStartedAt
}

// IncrementGeneration bumps the cancellation fence and returns the new
// value. Called on SPEECH_START, BARGE_IN, and each new final transcript.
func (s *State) IncrementGeneration() int64 {
	return s.generationID.Add(1)
}

// GenerationID is the current fence value (I4, I5, P3).
func (s *State) GenerationID() int64 {
	return s.generationID.Load()
}

// IsCurrent reports whether g is still the active generation, i.e. whether
// output tagged with g may still be emitted.
func (s *State) IsCurrent(g int64) bool {
	return s.generationID.Load() == g
}

// SetCancelHandles stores the cancel funcs for the orchestrator/TTS/LLM work
// belonging to the generation currently running, replacing any previous
// ones without invoking them.
func (s *State) SetCancelHandles(orch, tts, llm context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orchCancel = orch
	s.ttsCancel = tts
	s.llmCancel = llm
}

// CancelActive cancels the orchestrator, TTS, and (best effort) LLM stream
// handles. STT is untouched by design (session scope only).
func (s *State) CancelActive() {
	s.mu.Lock()
	orch, tts, llm := s.orchCancel, s.ttsCancel, s.llmCancel
	s.orchCancel, s.ttsCancel, s.llmCancel = nil, nil, nil
	s.isTTSPlaying = false
	s.mu.Unlock()

	if orch != nil {
		orch()
	}
	if tts != nil {
		tts()
	}
	if llm != nil {
		llm()
	}
}

// SetTTSPlaying records whether audio is currently being streamed to the
// client; CancelActive clears the flag.
func (s *State) SetTTSPlaying(playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isTTSPlaying = playing
}

// SetLastTranscriptConfidence records the most recent final transcript's
// confidence. The low-confidence clarification branch uses the confidence
// passed to RunTurn, not this stored value.
func (s *State) SetLastTranscriptConfidence(c float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTranscriptConfidence = c
}

// AppendHistory records a turn of conversation, keeping only the most recent
// maxHistory entries.
func (s *State) AppendHistory(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryMessage{Role: role, Text: text})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// HistoryTail returns a copy of the most recent n history entries (or fewer
// if the history is shorter).
func (s *State) HistoryTail(n int) []HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.history) {
		n = len(s.history)
	}
	tail := s.history[len(s.history)-n:]
	out := make([]HistoryMessage, len(tail))
	copy(out, tail)
	return out
}

// SetUploadedImage records an image for the following LLM turns, replacing
// any earlier one.
func (s *State) SetUploadedImage(data []byte, mediaType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadedImage = &Image{Data: data, MediaType: mediaType}
}

// UploadedImage returns the most recently uploaded image, if any.
func (s *State) UploadedImage() *Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedImage
}

// Cleanup cancels any active work and drains the audio queue. It does not
// close the STT adapter; the endpoint owns that lifecycle separately.
func (s *State) Cleanup() {
	s.CancelActive()
	for {
		select {
		case <-s.audioQueue:
		default:
			return
		}
	}
}
