package downloader

import (
	"context"
	"log/slog"
	"sync"

	"feedloom/internal/logging"
)

const eventBuffer = 64

// Emitter delivers one task's events. Terminal events are delivered at most
// once and close the channel; started/paused are suppressed when they repeat
// the current state. Emitting never blocks: when the buffer is full the
// oldest queued run-state event is dropped.
type Emitter struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	paused  bool
	changed chan struct{}
	dropped int
	logger  *slog.Logger
}

// NewEmitter returns an emitter for a running task.
func NewEmitter() *Emitter {
	return &Emitter{
		ch:      make(chan Event, eventBuffer),
		changed: make(chan struct{}),
		logger:  logging.NewNop(),
	}
}

// WithLogger sets the logger that reports dropped events.
func (e *Emitter) WithLogger(logger *slog.Logger) *Emitter {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Dropped returns how many queued events were discarded to make room.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Events returns the task's event channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Started emits a started event if the task is currently paused.
func (e *Emitter) Started() bool {
	return e.setPaused(false)
}

// Paused emits a paused event if the task is currently running.
func (e *Emitter) Paused() bool {
	return e.setPaused(true)
}

// Done emits the terminal done event.
func (e *Emitter) Done(files []File) bool {
	return e.terminate(Event{Kind: EventDone, Files: files})
}

// Failed emits the terminal failed event.
func (e *Emitter) Failed(reason string) bool {
	return e.terminate(Event{Kind: EventFailed, Reason: reason})
}

// Removed emits the terminal removed event.
func (e *Emitter) Removed() bool {
	return e.terminate(Event{Kind: EventRemoved})
}

// Closed reports whether a terminal event was emitted.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// IsPaused reports the last emitted run state.
func (e *Emitter) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// WaitPaused blocks until the run state equals paused or the task ends.
func (e *Emitter) WaitPaused(ctx context.Context, paused bool) error {
	for {
		e.mu.Lock()
		if e.closed || e.paused == paused {
			e.mu.Unlock()
			return nil
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Emitter) setPaused(paused bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.paused == paused {
		return false
	}
	e.paused = paused
	kind := EventStarted
	if paused {
		kind = EventPaused
	}
	e.deliver(Event{Kind: kind})
	e.signal()
	return true
}

func (e *Emitter) terminate(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.deliver(ev)
	close(e.ch)
	e.signal()
	return true
}

// deliver queues ev with e.mu held. Only run-state events can be queued
// ahead of ev, so dropping the oldest keeps the latest state and any terminal
// event.
func (e *Emitter) deliver(ev Event) {
	for {
		select {
		case e.ch <- ev:
			return
		default:
		}
		select {
		case old := <-e.ch:
			e.dropped++
			logging.WarnWithContext(e.logger, "task event buffer full", "task_event_dropped",
				logging.String("dropped_event", string(old.Kind)),
				logging.String("event", string(ev.Kind)),
				logging.String(logging.FieldImpact, "an intermediate run state was skipped"),
			)
		default:
		}
	}
}

func (e *Emitter) signal() {
	close(e.changed)
	e.changed = make(chan struct{})
}
