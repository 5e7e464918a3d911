package turn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/llm"
	"github.com/lokutor-ai/teachme-live/pkg/metrics"
	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
	"github.com/lokutor-ai/teachme-live/pkg/schema"
	"github.com/lokutor-ai/teachme-live/pkg/session"
	"github.com/lokutor-ai/teachme-live/pkg/tools"
	"github.com/lokutor-ai/teachme-live/pkg/tts"
)

const systemPrompt = `You are a patient, encouraging language tutor. Always reply with a single ` +
	`JSON object with exactly these keys: answer (string), steps (array of strings), ` +
	`examples (array of strings), common_mistakes (array of strings), next_exercises ` +
	`(array of strings). No prose outside the JSON object.`

const repairMaxTokens = 300

// Orchestrator runs one turn end to end: LLM (with tools), structured
// output enforcement, and TTS delivery, all under the session's generation
// fence (§4.7).
type Orchestrator struct {
	LLM      llm.Client
	Tools    *tools.Registry
	Enforcer *schema.Enforcer
	TTS      *tts.Streamer
	Metrics  *metrics.Recorder
	Logger   orchestrator.Logger

	HistoryWindow int // messages of prior history attached to each LLM call, default 10
}

// New builds an Orchestrator from its collaborators. strictStructured
// controls the schema enforcer's repair behavior.
func New(llmClient llm.Client, toolsReg *tools.Registry, strictStructured bool, ttsStreamer *tts.Streamer, m *metrics.Recorder, logger orchestrator.Logger) *Orchestrator {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Orchestrator{
		LLM:           llmClient,
		Tools:         toolsReg,
		Enforcer:      schema.New(strictStructured),
		TTS:           ttsStreamer,
		Metrics:       m,
		Logger:        logger,
		HistoryWindow: 10,
	}
}

func voiceFor(lang session.Language) string {
	if lang == session.LanguageKO {
		return "ko-KR-Standard-A"
	}
	return "en-US-Standard-C"
}

// RunTurn executes the full turn lifecycle for one final transcript and
// returns a summary for logging/metrics. It never returns an error: every
// failure mode inside a turn is handled per §7 (retried, coerced, or turned
// into a canned utterance) rather than propagated, since nothing about a
// bad LLM/TTS response is fatal to the session.
func (o *Orchestrator) RunTurn(ctx context.Context, sess *session.State, emit Emitter, d Deadlines, transcript string, confidence float64) Result {
	start := time.Now()
	turnID := sess.CurrentTurnID()
	g := sess.IncrementGeneration()
	sess.SetLastTranscriptConfidence(confidence)

	turnCtx, cancel := context.WithCancel(ctx)
	sess.SetCancelHandles(cancel, cancel, cancel)
	defer cancel()

	isCurrent := func() bool { return sess.IsCurrent(g) }
	lang := sess.TargetLanguage()
	res := Result{TurnID: turnID, Generation: g, STTConfidence: confidence}

	fence := func(fn func() error) {
		if !isCurrent() {
			res.Cancelled = true
			return
		}
		if err := fn(); err != nil {
			o.Logger.Warn("turn: emit failed", "turnID", turnID, "error", err)
		}
	}

	fence(func() error { return emit.TranscriptFinal(turnCtx, transcript, confidence) })

	if confidence < d.SttConfidenceThreshold {
		o.Metrics.IncLowConfidenceTranscripts()
		res.LowConfidence = true
		text := clarificationText(lang)
		o.speakCanned(turnCtx, sess, emit, isCurrent, turnID, lang, text, &res)
		sess.AppendHistory("user", transcript)
		sess.AppendHistory("assistant", text)
		o.recordMetrics(start, 0, 0, &res)
		return res
	}

	if RequiresImage(transcript) && sess.UploadedImage() == nil {
		res.ImageGuard = true
		text := imageGuardText(lang)
		o.speakCanned(turnCtx, sess, emit, isCurrent, turnID, lang, text, &res)
		o.emitNotes(turnCtx, emit, isCurrent, cannedResponse(text), &res)
		sess.AppendHistory("user", transcript)
		sess.AppendHistory("assistant", text)
		o.recordMetrics(start, 0, 0, &res)
		return res
	}

	translatorMode := sess.TranslatorMode()
	messages := o.buildMessages(sess, transcript)
	offered := o.Tools.OfferedFor(transcript, translatorMode)

	deadline := time.Duration(d.TimeBudgetMs) * time.Millisecond
	if sess.UploadedImage() != nil {
		deadline = time.Duration(d.ImageTimeBudgetMs) * time.Millisecond
	}
	llmCtx, llmCancel := context.WithTimeout(turnCtx, deadline)
	defer llmCancel()

	llmStart := time.Now()
	finalText, timedOut := o.runModel(llmCtx, sess, emit, isCurrent, turnID, messages, offered, d.ToolMaxIters, &res)
	llmElapsed := time.Since(llmStart)

	var structured schema.Response
	if timedOut {
		res.TimedOut = true
		structured = cannedResponse(quickSummaryText(lang))
		res.FormatValid = true
	} else {
		outcome := o.Enforcer.Enforce(turnCtx, finalText, string(lang), o.repair(lang))
		structured = outcome.Response
		res.FormatValid = outcome.FormatValid
		res.InputTokens += outcome.InputTokens
		res.OutputTokens += outcome.OutputTokens
	}
	res.StructuredAnswer = structured.Answer
	res.FinalText = finalText

	// Exactly one DELTA(final:true) closes the delta sequence regardless of
	// which path produced the text (streamed deltas already went out during
	// runModel; the tool loop and timeout paths stream nothing, so this is
	// their only delta).
	fence(func() error { return emit.LLMDelta(turnCtx, "", turnID, true) })

	speakable := Flatten(structured, lang)
	ttsStart := time.Now()
	fence(func() error {
		return o.TTS.Speak(turnCtx, speakable, voiceFor(lang), string(lang), isCurrent,
			func(chunk []byte) error { return emit.AudioChunk(turnCtx, chunk) },
			func() error { return emit.AudioComplete(turnCtx) },
		)
	})
	ttsElapsed := time.Since(ttsStart)

	o.emitNotes(turnCtx, emit, isCurrent, structured, &res)

	sess.AppendHistory("user", transcript)
	sess.AppendHistory("assistant", structured.Answer)

	o.recordMetrics(start, llmElapsed, ttsElapsed, &res)

	o.Logger.Info("turn complete",
		"turnID", turnID, "generation", g,
		"toolCalls", res.ToolCalls, "toolFailures", res.ToolFailures,
		"formatValid", res.FormatValid, "timedOut", res.TimedOut,
		"inputTokens", res.InputTokens, "outputTokens", res.OutputTokens,
	)
	return res
}

func (o *Orchestrator) speakCanned(ctx context.Context, sess *session.State, emit Emitter, isCurrent func() bool, turnID int, lang session.Language, text string, res *Result) {
	if !isCurrent() {
		res.Cancelled = true
		return
	}
	if err := emit.LLMDelta(ctx, text, turnID, true); err != nil {
		o.Logger.Warn("turn: emit delta failed", "error", err)
	}
	err := o.TTS.Speak(ctx, text, voiceFor(lang), string(lang), isCurrent,
		func(chunk []byte) error { return emit.AudioChunk(ctx, chunk) },
		func() error { return emit.AudioComplete(ctx) },
	)
	if err != nil {
		o.Logger.Warn("turn: tts failed", "error", err)
	}
}

func (o *Orchestrator) emitNotes(ctx context.Context, emit Emitter, isCurrent func() bool, resp schema.Response, res *Result) {
	if !isCurrent() {
		res.Cancelled = true
		return
	}
	pretty, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		o.Logger.Error("turn: marshal notes failed", "error", err)
		return
	}
	if err := emit.Notes(ctx, string(pretty)); err != nil {
		o.Logger.Warn("turn: emit notes failed", "error", err)
	}
}

func (o *Orchestrator) buildMessages(sess *session.State, transcript string) []llm.Message {
	tail := sess.HistoryTail(o.HistoryWindow)
	msgs := make([]llm.Message, 0, len(tail)+1)
	for _, h := range tail {
		msgs = append(msgs, llm.Message{Role: h.Role, Content: []llm.ContentBlock{{Type: "text", Text: h.Text}}})
	}

	userBlocks := []llm.ContentBlock{{Type: "text", Text: transcript}}
	if img := sess.UploadedImage(); img != nil {
		userBlocks = append(userBlocks, llm.ContentBlock{
			Type:           "image",
			ImageMediaType: img.MediaType,
			ImageDataB64:   base64.StdEncoding.EncodeToString(img.Data),
		})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userBlocks})
	return msgs
}

// runModel executes either the tool loop or a plain streaming call,
// depending on whether any tool is offered for this query. It returns the
// final assistant text and whether the turn's deadline was exceeded.
func (o *Orchestrator) runModel(ctx context.Context, sess *session.State, emit Emitter, isCurrent func() bool, turnID int, messages []llm.Message, offered []llm.ToolSpec, toolMaxIters int, res *Result) (string, bool) {
	if len(offered) == 0 {
		return o.runStream(ctx, emit, isCurrent, turnID, messages)
	}
	return o.runToolLoop(ctx, sess, messages, offered, toolMaxIters, res)
}

func (o *Orchestrator) runStream(ctx context.Context, emit Emitter, isCurrent func() bool, turnID int, messages []llm.Message) (string, bool) {
	resp, err := o.LLM.StreamText(ctx, llm.CreateParams{
		System:      systemPrompt,
		Messages:    messages,
		MaxTokens:   600,
		Temperature: 0.2,
	}, func(delta string) {
		if !isCurrent() {
			return
		}
		_ = emit.LLMDelta(ctx, delta, turnID, false)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return "", true
	}
	if err != nil {
		o.Logger.Warn("turn: stream failed", "error", err)
		return "", false
	}
	return resp.Text, false
}

func (o *Orchestrator) runToolLoop(ctx context.Context, sess *session.State, messages []llm.Message, offered []llm.ToolSpec, maxIters int, res *Result) (string, bool) {
	if maxIters <= 0 {
		maxIters = 2
	}
	translatorMode := sess.TranslatorMode()

	for iter := 0; iter < maxIters; iter++ {
		resp, err := o.LLM.Create(ctx, llm.CreateParams{
			System:      systemPrompt,
			Messages:    messages,
			Tools:       offered,
			MaxTokens:   600,
			Temperature: 0.2,
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return "", true
		}
		if err != nil {
			o.Logger.Warn("turn: tool-loop create failed", "error", err)
			return "", false
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens

		var toolUses []llm.ContentBlock
		for _, b := range resp.Content {
			if b.Type == "tool_use" {
				toolUses = append(toolUses, b)
			}
		}
		if len(toolUses) == 0 {
			return resp.Text, false
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})

		var resultBlocks []llm.ContentBlock
		for _, tu := range toolUses {
			res.ToolCalls++
			o.Metrics.IncToolCalls()
			call := o.Tools.Call(ctx, tu.ToolName, lastUserText(messages), translatorMode, tu.ToolInput)
			if call.Err != nil {
				res.ToolFailures++
				o.Metrics.IncToolFailures()
				errBody, _ := json.Marshal(map[string]string{"error": call.Err.Error()})
				resultBlocks = append(resultBlocks, llm.ContentBlock{
					Type:              "tool_result",
					ToolResultForID:   tu.ToolUseID,
					ToolResultContent: string(errBody),
					ToolResultIsError: true,
				})
				continue
			}
			outBody, _ := json.Marshal(call.Output)
			resultBlocks = append(resultBlocks, llm.ContentBlock{
				Type:              "tool_result",
				ToolResultForID:   tu.ToolUseID,
				ToolResultContent: string(outBody),
			})
		}
		messages = append(messages, llm.Message{Role: "user", Content: resultBlocks})
	}

	// Exhausted iterations without a final text-only reply: ask once more
	// with tools withheld so the model is forced to answer in prose.
	resp, err := o.LLM.Create(ctx, llm.CreateParams{
		System:      systemPrompt,
		Messages:    messages,
		MaxTokens:   600,
		Temperature: 0.2,
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return "", true
	}
	if err != nil {
		return "", false
	}
	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens
	return resp.Text, false
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		for _, b := range messages[i].Content {
			if b.Type == "text" {
				return b.Text
			}
		}
	}
	return ""
}

// repair builds a RepairFunc that asks the model for strict JSON only,
// per §4.6's bounded repair pass: temperature 0, maxTokens<=300, the prior
// raw text appended as an assistant turn.
func (o *Orchestrator) repair(lang session.Language) schema.RepairFunc {
	return func(ctx context.Context, priorRawText string) (string, int, int, error) {
		resp, err := o.LLM.Create(ctx, llm.CreateParams{
			System: systemPrompt,
			Messages: []llm.Message{
				{Role: "assistant", Content: []llm.ContentBlock{{Type: "text", Text: priorRawText}}},
				{Role: "user", Content: []llm.ContentBlock{{Type: "text", Text: "That was not valid JSON. Reply again with strict JSON only, exactly the five required keys, no prose, no code fences."}}},
			},
			MaxTokens:   repairMaxTokens,
			Temperature: 0,
		})
		if err != nil {
			return "", 0, 0, err
		}
		return resp.Text, resp.InputTokens, resp.OutputTokens, nil
	}
}

func (o *Orchestrator) recordMetrics(turnStart time.Time, llmElapsed, ttsElapsed time.Duration, res *Result) {
	e2e := time.Since(turnStart)
	o.Metrics.RecordTurn(metrics.TurnLatencies{
		LLM: llmElapsed,
		TTS: ttsElapsed,
		E2E: e2e,
	})
}

