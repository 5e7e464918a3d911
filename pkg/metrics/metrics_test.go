package metrics

import (
	"testing"
	"time"
)

func TestRecordTurnAndReport(t *testing.T) {
	r := New()
	for i := 1; i <= 10; i++ {
		r.RecordTurn(TurnLatencies{
			STT: time.Duration(i*10) * time.Millisecond,
			LLM: time.Duration(i*20) * time.Millisecond,
			TTS: time.Duration(i*5) * time.Millisecond,
			E2E: time.Duration(i*40) * time.Millisecond,
		})
	}
	report := r.Report()
	if report.SampleCount != 10 {
		t.Fatalf("SampleCount = %d, want 10", report.SampleCount)
	}
	if report.E2Ep50 <= 0 {
		t.Error("expected positive p50")
	}
	if report.E2Ep95 < report.E2Ep50 {
		t.Error("p95 should be >= p50")
	}
}

func TestRingBufferWraps(t *testing.T) {
	r := New()
	for i := 0; i < RingSize+5; i++ {
		r.RecordTurn(TurnLatencies{E2E: time.Millisecond})
	}
	report := r.Report()
	if report.SampleCount != RingSize {
		t.Errorf("SampleCount = %d, want %d after wraparound", report.SampleCount, RingSize)
	}
}

func TestCountersMonotonic(t *testing.T) {
	r := New()
	r.IncToolCalls()
	r.IncToolCalls()
	r.IncToolFailures()
	r.IncLowConfidenceTranscripts()
	r.IncAudioFramesDropped(3)

	c := r.Counters()
	if c.ToolCallsTotal != 2 {
		t.Errorf("ToolCallsTotal = %d, want 2", c.ToolCallsTotal)
	}
	if c.ToolFailuresTotal != 1 {
		t.Errorf("ToolFailuresTotal = %d, want 1", c.ToolFailuresTotal)
	}
	if c.TranscriptsLowConfidenceTotal != 1 {
		t.Errorf("TranscriptsLowConfidenceTotal = %d, want 1", c.TranscriptsLowConfidenceTotal)
	}
	if c.AudioFramesDroppedTotal != 3 {
		t.Errorf("AudioFramesDroppedTotal = %d, want 3", c.AudioFramesDroppedTotal)
	}
}
