package turn

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/config"
	"github.com/lokutor-ai/teachme-live/pkg/llm"
	"github.com/lokutor-ai/teachme-live/pkg/metrics"
	"github.com/lokutor-ai/teachme-live/pkg/session"
	"github.com/lokutor-ai/teachme-live/pkg/tools"
	"github.com/lokutor-ai/teachme-live/pkg/tts"
)

type recordedFrame struct {
	kind string
	text string
}

type fakeEmitter struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (e *fakeEmitter) TranscriptFinal(_ context.Context, text string, _ float64) error {
	e.record("FINAL", text)
	return nil
}
func (e *fakeEmitter) LLMDelta(_ context.Context, text string, _ int, final bool) error {
	if final {
		e.record("DELTA_FINAL", text)
	} else {
		e.record("DELTA", text)
	}
	return nil
}
func (e *fakeEmitter) AudioChunk(_ context.Context, _ []byte) error {
	e.record("CHUNK", "")
	return nil
}
func (e *fakeEmitter) AudioComplete(_ context.Context) error {
	e.record("COMPLETE", "")
	return nil
}
func (e *fakeEmitter) Notes(_ context.Context, text string) error {
	e.record("NOTES", text)
	return nil
}

func (e *fakeEmitter) record(kind, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, recordedFrame{kind, text})
}

func (e *fakeEmitter) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.frames))
	for i, f := range e.frames {
		out[i] = f.kind
	}
	return out
}

type fakeTTSProvider struct{}

func (fakeTTSProvider) Name() string { return "fake" }
func (fakeTTSProvider) Synthesize(_ context.Context, text, _, _ string) ([]byte, error) {
	return make([]byte, tts.ChunkBytes+100), nil
}

type scriptedLLM struct {
	createResp func(params llm.CreateParams) (*llm.Response, error)
	streamResp func(params llm.CreateParams, onDelta func(string)) (*llm.Response, error)
}

func (s *scriptedLLM) Name() string { return "fake-llm" }
func (s *scriptedLLM) Create(_ context.Context, params llm.CreateParams) (*llm.Response, error) {
	return s.createResp(params)
}
func (s *scriptedLLM) StreamText(_ context.Context, params llm.CreateParams, onDelta func(string)) (*llm.Response, error) {
	return s.streamResp(params, onDelta)
}

func newTestOrchestrator(llmClient llm.Client) *Orchestrator {
	toolsReg := tools.New(time.Second)
	streamer := tts.NewStreamer(fakeTTSProvider{}, nil)
	return New(llmClient, toolsReg, true, streamer, metrics.New(), nil)
}

func defaultDeadlines() Deadlines {
	return Deadlines{TimeBudgetMs: 8000, ImageTimeBudgetMs: 18000, SttConfidenceThreshold: 0.55, ToolMaxIters: 2}
}

func TestRunTurnHappyPathStreaming(t *testing.T) {
	llmClient := &scriptedLLM{
		streamResp: func(params llm.CreateParams, onDelta func(string)) (*llm.Response, error) {
			onDelta("The capital of France ")
			onDelta("is Paris.")
			text := `{"answer":"The capital of France is Paris.","steps":[],"examples":[],"common_mistakes":[],"next_exercises":[]}`
			return &llm.Response{Text: text, InputTokens: 12, OutputTokens: 6}, nil
		},
	}
	orch := newTestOrchestrator(llmClient)
	sess := session.New("s1", config.Default(), nil)
	sess.BeginTurn(time.Now())

	emit := &fakeEmitter{}
	res := orch.RunTurn(context.Background(), sess, emit, defaultDeadlines(), "what is the capital of France?", 0.9)

	if res.LowConfidence || res.ImageGuard || res.TimedOut {
		t.Fatalf("unexpected branch taken: %+v", res)
	}
	if !res.FormatValid {
		t.Error("expected FormatValid")
	}

	kinds := strings.Join(emit.kinds(), ",")
	if !strings.HasPrefix(kinds, "FINAL,DELTA,DELTA,DELTA_FINAL,CHUNK") {
		t.Errorf("unexpected frame order: %s", kinds)
	}
	if kinds[len(kinds)-5:] != "NOTES" {
		t.Errorf("expected sequence to end with NOTES: %s", kinds)
	}
}

func TestRunTurnLowConfidence(t *testing.T) {
	llmClient := &scriptedLLM{
		createResp: func(llm.CreateParams) (*llm.Response, error) {
			t.Fatal("LLM should not be called on low-confidence turn")
			return nil, nil
		},
		streamResp: func(llm.CreateParams, func(string)) (*llm.Response, error) {
			t.Fatal("LLM should not be called on low-confidence turn")
			return nil, nil
		},
	}
	orch := newTestOrchestrator(llmClient)
	sess := session.New("s2", config.Default(), nil)
	sess.BeginTurn(time.Now())

	emit := &fakeEmitter{}
	res := orch.RunTurn(context.Background(), sess, emit, defaultDeadlines(), "mumble mumble", 0.2)

	if !res.LowConfidence {
		t.Error("expected LowConfidence branch")
	}
	kinds := emit.kinds()
	for _, k := range kinds {
		if k == "NOTES" {
			t.Error("low-confidence turn must not emit NOTES")
		}
	}
	if kinds[0] != "FINAL" || kinds[1] != "DELTA_FINAL" {
		t.Errorf("unexpected sequence: %v", kinds)
	}
}

func TestRunTurnImageGuard(t *testing.T) {
	llmClient := &scriptedLLM{
		createResp: func(llm.CreateParams) (*llm.Response, error) {
			t.Fatal("LLM should not be called on image-guard turn")
			return nil, nil
		},
	}
	orch := newTestOrchestrator(llmClient)
	sess := session.New("s3", config.Default(), nil)
	sess.BeginTurn(time.Now())

	emit := &fakeEmitter{}
	res := orch.RunTurn(context.Background(), sess, emit, defaultDeadlines(), "what is in the image?", 0.9)

	if !res.ImageGuard {
		t.Error("expected ImageGuard branch")
	}
	kinds := emit.kinds()
	found := false
	for _, k := range kinds {
		if k == "NOTES" {
			found = true
		}
	}
	if !found {
		t.Error("image-guard turn should still emit NOTES")
	}
}

func TestRunTurnToolLoop(t *testing.T) {
	iteration := 0
	llmClient := &scriptedLLM{
		createResp: func(params llm.CreateParams) (*llm.Response, error) {
			iteration++
			if iteration == 1 {
				return &llm.Response{
					Content: []llm.ContentBlock{
						{Type: "tool_use", ToolUseID: "t1", ToolName: "math_solver", ToolInput: map[string]any{"expression": "2+3"}},
					},
				}, nil
			}
			return &llm.Response{
				Text: `{"answer":"2+3=5.","steps":["Identify operator","Add"],"examples":[],"common_mistakes":[],"next_exercises":[]}`,
			}, nil
		},
	}
	orch := newTestOrchestrator(llmClient)
	sess := session.New("s4", config.Default(), nil)
	sess.BeginTurn(time.Now())

	emit := &fakeEmitter{}
	res := orch.RunTurn(context.Background(), sess, emit, defaultDeadlines(), "what is 2+3?", 0.9)

	if res.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", res.ToolCalls)
	}
	if res.ToolFailures != 0 {
		t.Errorf("ToolFailures = %d, want 0", res.ToolFailures)
	}
	if res.StructuredAnswer != "2+3=5." {
		t.Errorf("StructuredAnswer = %q", res.StructuredAnswer)
	}
}

func TestRunTurnCancellationFence(t *testing.T) {
	var sess *session.State
	llmClient := &scriptedLLM{
		streamResp: func(params llm.CreateParams, onDelta func(string)) (*llm.Response, error) {
			// Simulate a BARGE_IN landing concurrently while this turn's model
			// call is in flight: the generation advances before RunTurn gets a
			// chance to emit the final delta, TTS audio, or NOTES.
			sess.IncrementGeneration()
			return &llm.Response{Text: `{"answer":"hi","steps":[],"examples":[],"common_mistakes":[],"next_exercises":[]}`}, nil
		},
	}
	orch := newTestOrchestrator(llmClient)
	sess = session.New("s5", config.Default(), nil)
	sess.BeginTurn(time.Now())

	emit := &fakeEmitter{}
	res := orch.RunTurn(context.Background(), sess, emit, defaultDeadlines(), "hello", 0.9)

	if !res.Cancelled {
		t.Fatal("expected Cancelled result when generation advances mid-turn")
	}
	for _, k := range emit.kinds() {
		switch k {
		case "DELTA_FINAL", "CHUNK", "COMPLETE", "NOTES":
			t.Errorf("frame %q should not reach the client once the generation is stale, got %v", k, emit.kinds())
		}
	}
}
