// Package endpoint implements the connection-scoped event loop (C10): a
// single reader task per connection that decodes wire frames and dispatches
// them to the session, the STT adapter, and the turn orchestrator, the same
// "one goroutine per stream, everything else scheduled off it" shape the
// teacher's ManagedStream uses for its mic/speaker loop.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/config"
	"github.com/lokutor-ai/teachme-live/pkg/llm"
	"github.com/lokutor-ai/teachme-live/pkg/metrics"
	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
	"github.com/lokutor-ai/teachme-live/pkg/schema"
	"github.com/lokutor-ai/teachme-live/pkg/session"
	"github.com/lokutor-ai/teachme-live/pkg/stt"
	"github.com/lokutor-ai/teachme-live/pkg/turn"
	"github.com/lokutor-ai/teachme-live/pkg/wire"
)

// TurnRunner is the subset of *turn.Orchestrator the endpoint drives. Tests
// substitute a fake satisfying this interface instead of wiring real
// LLM/TTS providers.
type TurnRunner interface {
	RunTurn(ctx context.Context, sess *session.State, emit turn.Emitter, d turn.Deadlines, transcript string, confidence float64) turn.Result
}

// STTFactory builds a fresh STT adapter bound to onInterim/onFinal for one
// language/config. The endpoint calls it once on INIT and again whenever
// CONFIG_UPDATE changes the target language (4.10 step 4).
type STTFactory func(cfg stt.StreamConfig, onInterim func(string), onFinal func(string, float64)) *stt.Adapter

const notesSystemPrompt = `You are a patient language tutor summarizing a lesson so far. Reply with a ` +
	`single JSON object with exactly these keys: answer (string), steps (array of strings), examples ` +
	`(array of strings), common_mistakes (array of strings), next_exercises (array of strings). No ` +
	`prose outside the JSON object.`

// Endpoint owns one connection's event loop: it reads frames, mutates the
// session, drives the STT adapter, and hands final transcripts to the turn
// orchestrator.
type Endpoint struct {
	conn    Conn
	sess    *session.State
	cfg     config.Settings
	logger  orchestrator.Logger
	metrics *metrics.Recorder
	turns   TurnRunner

	// Used only for the off-turn REQUEST_NOTES path, which does not go
	// through the turn orchestrator since it never produces audio.
	llm      llm.Client
	enforcer *schema.Enforcer

	sttNew STTFactory

	writeMu sync.Mutex

	sttMu      sync.Mutex
	sttAdapter *stt.Adapter

	turnMu     sync.Mutex
	turnActive bool

	deadlines turn.Deadlines

	ctx       context.Context
	closeOnce sync.Once
}

// New builds an Endpoint. Nothing runs until Run is called.
func New(conn Conn, sess *session.State, cfg config.Settings, turns TurnRunner, llmClient llm.Client, enforcer *schema.Enforcer, m *metrics.Recorder, sttNew STTFactory, logger orchestrator.Logger) *Endpoint {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Endpoint{
		conn:     conn,
		sess:     sess,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		turns:    turns,
		llm:      llmClient,
		enforcer: enforcer,
		sttNew:   sttNew,
		deadlines: turn.Deadlines{
			TimeBudgetMs:           cfg.TimeBudgetMs,
			ImageTimeBudgetMs:      cfg.ImageTimeBudgetMs,
			SttConfidenceThreshold: cfg.SttConfidenceThreshold,
			ToolMaxIters:           cfg.ToolMaxIters,
		},
	}
}

// Run is the connection's single reader loop. It returns when the
// connection closes or a fatal protocol error occurs; cleanup has already
// run by the time it returns.
func (e *Endpoint) Run(ctx context.Context) error {
	e.ctx = ctx
	defer e.cleanup()

	go e.pumpAudio(ctx)

	first := true
	for {
		raw, err := e.conn.ReadMessage(ctx)
		if err != nil {
			return err
		}

		msg, err := decodeFrame(raw, first)
		first = false
		if err != nil {
			e.sendError(ctx, err.Error(), 400)
			e.conn.Close("protocol error")
			return err
		}

		if err := e.dispatch(ctx, msg); err != nil {
			e.logger.Warn("endpoint: dispatch failed", "sessionID", e.sess.SessionID, "type", msg.Type, "error", err)
		}
	}
}

func decodeFrame(raw []byte, first bool) (wire.Message, error) {
	msg, err := wire.Decode(raw)
	if err == nil {
		return msg, nil
	}
	if first {
		var probe wire.InitPayload
		if jsonErr := json.Unmarshal(raw, &probe); jsonErr == nil && probe.TargetLanguage != "" {
			return wire.Message{Type: wire.Init, Payload: raw}, nil
		}
	}
	return wire.Message{}, err
}

func (e *Endpoint) dispatch(ctx context.Context, msg wire.Message) error {
	switch msg.Type {
	case wire.Init:
		return e.handleInit(ctx, msg.Payload)
	case wire.ConfigUpdate:
		return e.handleConfigUpdate(ctx, msg.Payload)
	case wire.AudioFrame:
		return e.handleAudioFrame(ctx, msg.Payload)
	case wire.ImageUpload:
		return e.handleImageUpload(ctx, msg.Payload)
	case wire.RequestNotes:
		return e.handleRequestNotes(ctx)
	case wire.SpeechStart:
		return e.handleSpeechStart(ctx)
	case wire.BargeIn:
		return e.handleBargeIn(ctx)
	case wire.SpeechEnd:
		e.logger.Debug("speech_end received", "sessionID", e.sess.SessionID)
		return nil
	default:
		err := wire.ErrUnknownType
		e.sendError(ctx, err.Error(), 400)
		e.conn.Close("unknown message type")
		return err
	}
}

func (e *Endpoint) handleInit(ctx context.Context, payload []byte) error {
	var p wire.InitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	lang := languageFromString(p.TargetLanguage)
	e.sess.SetTargetLanguage(lang)
	e.sess.SetTranslatorMode(p.TranslatorMode)
	e.reinitSTT(lang)
	return e.send(ctx, wire.Connected, wire.ConnectedPayload{SessionID: e.sess.SessionID})
}

func (e *Endpoint) handleConfigUpdate(ctx context.Context, payload []byte) error {
	var p wire.InitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	e.sess.SetTranslatorMode(p.TranslatorMode)

	if p.TargetLanguage != "" {
		newLang := languageFromString(p.TargetLanguage)
		if newLang != e.sess.TargetLanguage() {
			e.sess.SetTargetLanguage(newLang)
			e.reinitSTT(newLang)
		}
	}

	return e.send(ctx, wire.ConfigUpdated, wire.ConfigUpdatedPayload{
		TargetLanguage: string(e.sess.TargetLanguage()),
		TranslatorMode: e.sess.TranslatorMode(),
	})
}

func (e *Endpoint) handleAudioFrame(ctx context.Context, payload []byte) error {
	now := time.Now()

	e.turnMu.Lock()
	if !e.turnActive {
		e.sess.BeginTurn(now)
		e.turnActive = true
	}
	e.turnMu.Unlock()

	total := e.sess.AddTurnAudioBytes(len(payload))
	elapsed := now.Sub(e.sess.TurnStartedAt())
	if total > e.cfg.MaxAudioBytes || elapsed > e.cfg.TurnMaxDuration() {
		e.turnMu.Lock()
		e.turnActive = false
		e.turnMu.Unlock()
		return e.sendError(ctx, "turn audio budget exceeded", 413)
	}

	e.sess.MarkAudioReceived(now)
	if !e.sess.EnqueueAudio(payload) {
		e.metrics.IncAudioFramesDropped(1)
	}
	return nil
}

func (e *Endpoint) handleImageUpload(ctx context.Context, payload []byte) error {
	var p wire.ImageUploadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	data, mediaType, err := decodeImageUpload(p.ImageData)
	if err != nil {
		return e.sendError(ctx, err.Error(), 400)
	}
	e.sess.SetUploadedImage(data, mediaType)
	return e.send(ctx, wire.ImageReceived, wire.ImageReceivedPayload{MediaType: mediaType})
}

func (e *Endpoint) handleSpeechStart(ctx context.Context) error {
	e.turnMu.Lock()
	e.sess.BeginTurn(time.Now())
	e.turnActive = true
	e.turnMu.Unlock()

	e.sess.IncrementGeneration()
	e.sess.CancelActive()
	e.logger.Debug("speech_start", "sessionID", e.sess.SessionID)
	return nil
}

func (e *Endpoint) handleBargeIn(ctx context.Context) error {
	e.turnMu.Lock()
	e.turnActive = false
	e.turnMu.Unlock()

	e.sess.IncrementGeneration()
	e.sess.CancelActive()
	e.logger.Debug("barge_in", "sessionID", e.sess.SessionID)
	return nil
}

// handleRequestNotes runs an off-turn notes generation (4.10 step 5): it
// summarizes the conversation so far into the same five-key structured
// object and emits it as a NOTES frame, without touching TTS.
func (e *Endpoint) handleRequestNotes(ctx context.Context) error {
	lang := e.sess.TargetLanguage()
	tail := e.sess.HistoryTail(10)
	messages := make([]llm.Message, 0, len(tail)+1)
	for _, h := range tail {
		messages = append(messages, llm.Message{Role: h.Role, Content: []llm.ContentBlock{{Type: "text", Text: h.Text}}})
	}
	messages = append(messages, llm.Message{Role: "user", Content: []llm.ContentBlock{
		{Type: "text", Text: "Summarize this lesson so far as notes."},
	}})

	resp, err := e.llm.Create(ctx, llm.CreateParams{
		System:      notesSystemPrompt,
		Messages:    messages,
		MaxTokens:   600,
		Temperature: 0.2,
	})
	if err != nil {
		return e.sendError(ctx, "notes generation failed", 500)
	}

	outcome := e.enforcer.Enforce(ctx, resp.Text, string(lang), e.notesRepair())
	pretty, err := json.MarshalIndent(outcome.Response, "", "  ")
	if err != nil {
		return err
	}
	return e.send(ctx, wire.Notes, wire.NotesPayload{Text: string(pretty)})
}

func (e *Endpoint) notesRepair() schema.RepairFunc {
	return func(ctx context.Context, priorRawText string) (string, int, int, error) {
		resp, err := e.llm.Create(ctx, llm.CreateParams{
			System: notesSystemPrompt,
			Messages: []llm.Message{
				{Role: "assistant", Content: []llm.ContentBlock{{Type: "text", Text: priorRawText}}},
				{Role: "user", Content: []llm.ContentBlock{{Type: "text", Text: "That was not valid JSON. Reply again with strict JSON only, exactly the five required keys."}}},
			},
			MaxTokens:   300,
			Temperature: 0,
		})
		if err != nil {
			return "", 0, 0, err
		}
		return resp.Text, resp.InputTokens, resp.OutputTokens, nil
	}
}

// onFinal is the STT adapter's final-transcript callback: it rotates the
// stream for the next utterance and hands the transcript to the turn
// orchestrator on its own goroutine, since the adapter's worker must not
// block on it (4.3.2).
func (e *Endpoint) onFinal(text string, confidence float64) {
	e.turnMu.Lock()
	e.turnActive = false
	e.turnMu.Unlock()

	if a := e.currentSTT(); a != nil {
		a.NotifyFinal()
	}

	go func() {
		res := e.turns.RunTurn(e.ctx, e.sess, &emitter{e}, e.deadlines, text, confidence)
		e.logger.Debug("turn dispatched", "sessionID", e.sess.SessionID, "turnID", res.TurnID, "cancelled", res.Cancelled)
	}()
}

func (e *Endpoint) onInterim(text string) {
	_ = e.send(e.ctx, wire.TranscriptInterim, wire.TranscriptInterimPayload{Text: text})
}

func (e *Endpoint) pumpAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-e.sess.AudioQueue():
			if !ok {
				return
			}
			if a := e.currentSTT(); a != nil {
				a.Feed(frame)
			}
		}
	}
}

func (e *Endpoint) reinitSTT(lang session.Language) {
	cfg := stt.StreamConfig{
		LanguageCode:         string(lang),
		SampleRateHz:         e.cfg.SttSampleRateHz,
		EnableInterimResults: true,
	}
	adapter := e.sttNew(cfg, e.onInterim, e.onFinal)

	e.sttMu.Lock()
	old := e.sttAdapter
	e.sttAdapter = adapter
	e.sttMu.Unlock()

	if old != nil {
		old.Close()
	}
}

func (e *Endpoint) currentSTT() *stt.Adapter {
	e.sttMu.Lock()
	defer e.sttMu.Unlock()
	return e.sttAdapter
}

func (e *Endpoint) cleanup() {
	e.closeOnce.Do(func() {
		e.sess.Cleanup()
		if a := e.currentSTT(); a != nil {
			a.Close()
		}
	})
}

func (e *Endpoint) sendError(ctx context.Context, message string, code int) error {
	return e.send(ctx, wire.ErrorFrame, wire.ErrorPayload{Message: message, Code: code})
}

// send marshals payload (or uses it directly if already raw bytes, for
// AUDIO_CHUNK/AUDIO_COMPLETE) and writes one framed message. Writes are
// serialized since frames for one connection arrive from several goroutines
// (the read loop, the STT worker, and per-turn goroutines).
func (e *Endpoint) send(ctx context.Context, t wire.Type, payload any) error {
	var data []byte
	if b, ok := payload.([]byte); ok {
		data = b
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = b
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(ctx, wire.Encode(t, data))
}

func languageFromString(s string) session.Language {
	if session.Language(s) == session.LanguageKO {
		return session.LanguageKO
	}
	return session.LanguageEN
}

// emitter adapts Endpoint to turn.Emitter.
type emitter struct{ ep *Endpoint }

func (em *emitter) TranscriptFinal(ctx context.Context, text string, confidence float64) error {
	return em.ep.send(ctx, wire.TranscriptFinal, wire.TranscriptFinalPayload{Text: text, Confidence: confidence})
}

func (em *emitter) LLMDelta(ctx context.Context, text string, turnID int, final bool) error {
	return em.ep.send(ctx, wire.LLMDelta, wire.LLMDeltaPayload{Text: text, TurnID: turnID, Final: final})
}

func (em *emitter) AudioChunk(ctx context.Context, chunk []byte) error {
	return em.ep.send(ctx, wire.AudioChunk, chunk)
}

func (em *emitter) AudioComplete(ctx context.Context) error {
	return em.ep.send(ctx, wire.AudioComplete, []byte{})
}

func (em *emitter) Notes(ctx context.Context, prettyJSON string) error {
	return em.ep.send(ctx, wire.Notes, wire.NotesPayload{Text: prettyJSON})
}

var _ turn.Emitter = (*emitter)(nil)

// errDisconnected is returned by fake Conns in tests to simulate a client
// disconnect without a real network error type.
var errDisconnected = errors.New("endpoint: connection closed")
