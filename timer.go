package ctxz

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// emitFunc receives a timer's observation. Called exactly once per Timer.
type emitFunc func(name string, start, end time.Time)

// Timer is a single named timing observation.
// Safe for concurrent use by multiple goroutines.
//
// A Timer emits (name, effective start, effective end) to its owning
// SpanSet exactly once: on End, or when the SpanSet's Report finalizes
// it, whichever comes first. If Start was never called, the creation
// instant is the effective start. If End was never called, the instant
// of finalization is the effective end.
type Timer struct {
	emit      emitFunc
	clock     clockz.Clock
	name      string
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	mu        sync.Mutex
	started   bool
	ended     bool
	emitted   bool
}

func newTimer(name string, clock clockz.Clock, emit emitFunc) *Timer {
	return &Timer{
		name:      name,
		clock:     clock,
		emit:      emit,
		createdAt: clock.Now(),
	}
}

// Start records the current instant as the effective start.
// No-op if the timer was already started or already ended.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.ended {
		return
	}
	t.startedAt = t.clock.Now()
	t.started = true
}

// End records the current instant as the effective end and emits the
// observation. Safe to call multiple times - subsequent calls are no-ops.
func (t *Timer) End() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended {
		return
	}
	t.endedAt = t.clock.Now()
	t.ended = true

	t.emitLocked()
}

// Elapsed returns the time since the effective start.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Now().Sub(t.effectiveStartLocked())
}

// finalize emits the observation if it was not already emitted, using
// the current instant as the effective end. Called by SpanSet.Report on
// timers the caller never ended.
func (t *Timer) finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked()
}

// done reports whether the observation has been emitted.
func (t *Timer) done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emitted
}

func (t *Timer) effectiveStartLocked() time.Time {
	if t.started {
		return t.startedAt
	}
	return t.createdAt
}

func (t *Timer) emitLocked() {
	if t.emitted {
		return
	}
	end := t.endedAt
	if !t.ended {
		end = t.clock.Now()
	}
	t.emit(t.name, t.effectiveStartLocked(), end)
	t.emitted = true
}
