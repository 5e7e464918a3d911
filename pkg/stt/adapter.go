package stt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/teachme-live/pkg/orchestrator"
)

// queueItem is the pinned-queue element. isSentinel marks the in-band
// shutdown marker, which a worker's feeder must filter out before it ever
// reaches StreamConn.Send — forwarding an empty/nil payload to the
// recognizer itself triggers a malordered-data protocol error.
type queueItem struct {
	data       []byte
	isSentinel bool
}

// Adapter drives one session's streaming recognizer across utterance
// boundaries. A single adapter-level mutex guards the pair (activeQueue,
// worker-alive) per invariant I1/I2; lastAudioTime is a separate atomic,
// and dropped-frame accounting lives in session.State instead.
type Adapter struct {
	provider StreamingRecognizer
	cfg      StreamConfig
	onInterim func(text string)
	onFinal   func(text string, confidence float64)
	logger    orchestrator.Logger

	mu           sync.Mutex
	nextQueue    chan queueItem // the queue new frames land on; reallocated on restart
	activeQueue  chan queueItem // non-nil iff a worker is alive and pinned to it (I1)

	// restartMu serializes Feed against closeAndRestart so a restart is
	// never observed half-done: see the comment on Feed.
	restartMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{} // session-scope shutdown signal, distinct from turn-scope cancellation

	lastAudioTime  atomic.Int64 // unix nano, written by Feed, read by the silence loop
	silenceTimeout time.Duration

	closeWG sync.WaitGroup
}

const requestQueueCapacity = 50

// New builds an adapter bound to one provider/session and starts its
// background silence timer. onInterim/onFinal are invoked on the caller's
// own goroutine (the worker), so they must not block.
func New(provider StreamingRecognizer, cfg StreamConfig, silenceTimeout time.Duration, onInterim func(string), onFinal func(string, float64), logger orchestrator.Logger) *Adapter {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	a := &Adapter{
		provider:       provider,
		cfg:            cfg,
		onInterim:      onInterim,
		onFinal:        onFinal,
		logger:         logger,
		nextQueue:      make(chan queueItem, requestQueueCapacity),
		stopCh:         make(chan struct{}),
		silenceTimeout: silenceTimeout,
	}
	a.closeWG.Add(1)
	go a.silenceLoop()
	return a
}

// Feed is the producer half (processAudioQueue in the source): it is called
// once per dequeued PCM frame. It allocates a fresh worker the first time a
// frame arrives with none alive, pinning the queue under the same lock
// acquisition used to decide whether to start one (4.3.2).
//
// Feed and closeAndRestart share restartMu so that a frame can never land on
// a queue mid-restart: in the source, the producer is the single coroutine
// that also calls closeAndRestartStream and blocks on it, so no frame is
// ever processed while a restart is underway. Here the two run on separate
// goroutines (pumpAudio vs. the silence timer/NotifyFinal), so restartMu
// reproduces that same mutual exclusion instead.
func (a *Adapter) Feed(frame []byte) {
	select {
	case <-a.stopCh:
		return
	default:
	}

	a.restartMu.Lock()
	defer a.restartMu.Unlock()

	a.mu.Lock()
	q := a.activeQueue
	if q == nil {
		q = a.nextQueue
		a.activeQueue = q
		go a.runWorker(q)
	}
	a.mu.Unlock()

	a.lastAudioTime.Store(time.Now().UnixNano())

	select {
	case q <- queueItem{data: frame}:
	default:
		a.logger.Warn("stt request queue full, dropping frame")
	}
}

// runWorker owns one recognizer stream end to end: it constructs the stream
// and immediately begins consuming responses on this same goroutine, which
// is the behavior the underlying client needs to actually start the RPC
// instead of stalling for several seconds. A paired feeder goroutine drains
// the pinned queue and calls Send, since Go's streams allow concurrent
// Send/Recv from different goroutines (unlike Python's single generator
// thread) — the worker goroutine is still what creates the stream and
// drives Recv, preserving the "same worker" contract for response handling.
func (a *Adapter) runWorker(q chan queueItem) {
	defer a.clearIfCurrent(q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := a.provider.StartStream(ctx, a.cfg)
	if err != nil {
		a.logger.Error("stt stream start failed", "error", err)
		return
	}

	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		for {
			select {
			case item := <-q:
				if item.isSentinel {
					conn.CloseSend()
					return
				}
				if err := conn.Send(item.data); err != nil {
					return
				}
			case <-a.stopCh:
				conn.CloseSend()
				return
			}
		}
	}()

	for {
		select {
		case <-a.stopCh:
			<-feederDone
			return
		default:
		}

		res, err := conn.Recv()
		if err != nil {
			break
		}
		if res == nil || res.Transcript == "" {
			continue
		}
		select {
		case <-a.stopCh:
			continue // drop, session is shutting down
		default:
		}
		if res.IsFinal {
			a.onFinal(res.Transcript, res.Confidence)
		} else {
			a.onInterim(res.Transcript)
		}
	}
	<-feederDone
}

func (a *Adapter) clearIfCurrent(q chan queueItem) {
	a.mu.Lock()
	if a.activeQueue == q {
		a.activeQueue = nil
	}
	a.mu.Unlock()
}

// closeAndRestartWait bounds how long closeAndRestart polls for the old
// worker's exit (4.3.1 step 5).
const closeAndRestartWait = 3 * time.Second

// closeAndRestart ends the current utterance's stream and publishes a fresh
// queue so the next utterance's frames never land on a dying worker's queue
// (I3). It holds restartMu for its whole duration, including the poll for
// the old worker's exit, so that Feed cannot observe the half-restarted
// state in between: a frame that arrives during the restart waits for
// restartMu and only then sees the cleared activeQueue and fresh nextQueue,
// matching the spec's "poll for worker exit up to ~3s" before the restart
// is considered complete.
func (a *Adapter) closeAndRestart() {
	a.restartMu.Lock()
	defer a.restartMu.Unlock()

	a.mu.Lock()
	old := a.activeQueue
	if old == nil {
		a.mu.Unlock()
		return
	}
	a.nextQueue = make(chan queueItem, requestQueueCapacity)
	a.mu.Unlock()

	select {
	case old <- queueItem{isSentinel: true}:
	case <-time.After(200 * time.Millisecond):
		a.logger.Warn("stt sentinel enqueue timed out")
	}

	deadline := time.Now().Add(closeAndRestartWait)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		cleared := a.activeQueue != old
		a.mu.Unlock()
		if cleared {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	a.logger.Warn("stt worker did not exit before restart deadline")
}

// silenceLoop rotates the stream once lastAudioTime has been stale for
// longer than silenceTimeout, bounding recognizer-internal state growth even
// when no is_final arrives (4.3.4).
func (a *Adapter) silenceLoop() {
	defer a.closeWG.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			last := a.lastAudioTime.Load()
			if last == 0 {
				continue
			}
			if time.Since(time.Unix(0, last)) >= a.silenceTimeout {
				a.closeAndRestart()
				a.lastAudioTime.Store(0)
			}
		}
	}
}

// NotifyFinal lets the endpoint tell the adapter a turn ended via
// the recognizer's own is_final signal, rotating the stream the same way a
// silence timeout would (4.3.1 step 5). The caller (the endpoint's onFinal)
// runs synchronously on the worker's own response-handling goroutine, so
// closeAndRestart's blocking poll for that same worker's exit must happen
// on a different goroutine or the worker would deadlock waiting on itself;
// closeAndRestart is still serialized against Feed via restartMu regardless
// of which goroutine calls it.
func (a *Adapter) NotifyFinal() {
	go a.closeAndRestart()
}

// Close is the session-scope shutdown: it works even before any worker
// exists, per the source's close().
func (a *Adapter) Close() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.mu.Lock()
		q := a.activeQueue
		if q == nil {
			q = a.nextQueue
		}
		a.mu.Unlock()
		select {
		case q <- queueItem{isSentinel: true}:
		default:
		}
	})
	a.closeWG.Wait()
}
