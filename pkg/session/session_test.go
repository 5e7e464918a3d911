package session

import (
	"testing"

	"github.com/lokutor-ai/teachme-live/pkg/config"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return New("sess-1", config.Default(), nil)
}

func TestEnqueueAudioBackpressure(t *testing.T) {
	s := newTestState(t)

	accepted, dropped := 0, 0
	total := s.maxQueueSize + 50
	for i := 0; i < total; i++ {
		if s.EnqueueAudio([]byte{byte(i)}) {
			accepted++
		} else {
			dropped++
		}
	}

	if accepted+dropped != total {
		t.Fatalf("accepted+dropped = %d, want %d", accepted+dropped, total)
	}
	if accepted != s.maxQueueSize {
		t.Fatalf("accepted = %d, want %d (queue capacity)", accepted, s.maxQueueSize)
	}
	if int(s.DroppedFrames()) != dropped {
		t.Fatalf("DroppedFrames() = %d, want %d", s.DroppedFrames(), dropped)
	}
	if len(s.audioQueue) > s.maxQueueSize {
		t.Fatalf("queue length %d exceeds capacity %d", len(s.audioQueue), s.maxQueueSize)
	}
}

func TestDroppedFramesMonotonic(t *testing.T) {
	s := newTestState(t)
	for i := 0; i < s.maxQueueSize; i++ {
		s.EnqueueAudio([]byte{0})
	}
	prev := s.DroppedFrames()
	for i := 0; i < 20; i++ {
		s.EnqueueAudio([]byte{0})
		cur := s.DroppedFrames()
		if cur < prev {
			t.Fatalf("DroppedFrames decreased: %d -> %d", prev, cur)
		}
		prev = cur
	}
}

func TestGenerationFence(t *testing.T) {
	s := newTestState(t)
	g0 := s.GenerationID()
	if !s.IsCurrent(g0) {
		t.Fatalf("expected g0 %d to be current", g0)
	}
	g1 := s.IncrementGeneration()
	if g1 <= g0 {
		t.Fatalf("generation did not advance: %d -> %d", g0, g1)
	}
	if s.IsCurrent(g0) {
		t.Fatalf("stale generation %d reported current after bump to %d", g0, g1)
	}
	if !s.IsCurrent(g1) {
		t.Fatalf("expected g1 %d to be current", g1)
	}
}

func TestHistoryCap(t *testing.T) {
	s := newTestState(t)
	for i := 0; i < maxHistory+10; i++ {
		s.AppendHistory("user", "msg")
	}
	if got := len(s.HistoryTail(1000)); got != maxHistory {
		t.Fatalf("history length = %d, want %d", got, maxHistory)
	}
}

func TestCancelActiveInvokesHandlesOnce(t *testing.T) {
	s := newTestState(t)
	calls := 0
	cancel := func() { calls++ }
	s.SetCancelHandles(cancel, cancel, cancel)
	s.CancelActive()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Second call with no handles set should be a no-op, not a repeat call.
	s.CancelActive()
	if calls != 3 {
		t.Fatalf("calls after second CancelActive = %d, want 3", calls)
	}
}
