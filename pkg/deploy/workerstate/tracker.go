// Package workerstate keeps per-handle worker status and fans lifecycle
// transitions out to subscribers. Every worker backend embeds one Tracker so
// status and events behave the same regardless of the runtime underneath.
package workerstate

import (
	"context"
	"sync"
	"time"

	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
)

const subscriberBuffer = 8

// DefaultRetention is how long a finished worker stays visible to Status and
// Subscribe before Add prunes it.
const DefaultRetention = 10 * time.Minute

type entry struct {
	status interfaces.WorkerStatus
	subs   map[int]chan interfaces.LifecycleEvent
}

// Tracker is safe for concurrent use.
type Tracker struct {
	backend   string
	now       func() time.Time
	retention time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	nextSub int
}

// New creates a tracker for the named backend.
func New(backend string) *Tracker {
	return &Tracker{
		backend:   backend,
		now:       time.Now,
		retention: DefaultRetention,
		entries:   make(map[string]*entry),
	}
}

// Handle builds a handle on this tracker's backend.
func (t *Tracker) Handle(id string) interfaces.WorkerHandle {
	return interfaces.WorkerHandle{Backend: t.backend, ID: id}
}

// Add registers a new worker in the pending state. Workers that finished more
// than the retention period ago are dropped.
func (t *Tracker) Add(id string) interfaces.WorkerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked()

	h := t.Handle(id)
	if _, ok := t.entries[id]; !ok {
		t.entries[id] = &entry{
			status: interfaces.WorkerStatus{
				Handle:    h,
				State:     interfaces.WorkerPending,
				CreatedAt: t.now(),
			},
			subs: make(map[int]chan interfaces.LifecycleEvent),
		}
	}
	return h
}

// Has reports whether id is tracked.
func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Starting marks the worker as accepted by the runtime but not yet running.
func (t *Tracker) Starting(id string) {
	t.transition(id, interfaces.WorkerStarting, nil, "")
}

// Running marks the worker running and emits a started event.
func (t *Tracker) Running(id string) {
	t.transition(id, interfaces.WorkerRunning, nil, "")
}

// Exited records a terminal exit. A zero code is stopped, anything else failed.
func (t *Tracker) Exited(id string, code int, reason string) {
	state := interfaces.WorkerStopped
	if code != 0 {
		state = interfaces.WorkerFailed
	}
	t.transition(id, state, &code, reason)
}

// Failed records a terminal failure without an exit code (runtime lost the worker).
func (t *Tracker) Failed(id string, reason string) {
	t.transition(id, interfaces.WorkerFailed, nil, reason)
}

// Stopped records a terminal stop requested by Terminate.
func (t *Tracker) Stopped(id string, reason string) {
	t.transition(id, interfaces.WorkerStopped, nil, reason)
}

func (t *Tracker) transition(id string, state interfaces.WorkerState, code *int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	// terminal states are sticky
	if e.status.State.IsTerminal() || e.status.State == state {
		return
	}

	now := t.now()
	e.status.State = state
	if reason != "" {
		e.status.Reason = reason
	}
	if code != nil {
		c := *code
		e.status.ExitCode = &c
	}

	var ev *interfaces.LifecycleEvent
	switch state {
	case interfaces.WorkerRunning:
		e.status.StartedAt = &now
		ev = &interfaces.LifecycleEvent{Handle: e.status.Handle, Type: interfaces.EventStarted, At: now}
	case interfaces.WorkerStopped, interfaces.WorkerFailed:
		e.status.FinishedAt = &now
		ev = terminalEvent(e.status, now)
	}
	if ev == nil {
		return
	}

	for subID, ch := range e.subs {
		select {
		case ch <- *ev:
		default:
			logger.Warnf("worker %s subscriber %d is full, dropping %s event", e.status.Handle, subID, ev.Type)
		}
		if state.IsTerminal() {
			close(ch)
			delete(e.subs, subID)
		}
	}
}

func terminalEvent(s interfaces.WorkerStatus, at time.Time) *interfaces.LifecycleEvent {
	ev := &interfaces.LifecycleEvent{Handle: s.Handle, Type: interfaces.EventExited, Reason: s.Reason, At: at}
	if s.ExitCode != nil {
		ev.ExitCode = *s.ExitCode
	}
	if s.State == interfaces.WorkerFailed {
		ev.Type = interfaces.EventCrashed
		if s.ExitCode == nil {
			ev.ExitCode = -1
		}
	}
	return ev
}

// Status returns a copy of the worker's status.
func (t *Tracker) Status(id string) (*interfaces.WorkerStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, orcherr.ErrNotFound
	}
	s := e.status
	return &s, nil
}

// Subscribe returns a channel of future transitions. For an already terminal
// worker the final event is delivered immediately and the channel closed.
func (t *Tracker) Subscribe(ctx context.Context, id string) (<-chan interfaces.LifecycleEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, orcherr.ErrNotFound
	}

	ch := make(chan interfaces.LifecycleEvent, subscriberBuffer)
	if e.status.State.IsTerminal() {
		at := t.now()
		if e.status.FinishedAt != nil {
			at = *e.status.FinishedAt
		}
		ch <- *terminalEvent(e.status, at)
		close(ch)
		return ch, nil
	}

	subID := t.nextSub
	t.nextSub++
	e.subs[subID] = ch

	go func() {
		<-ctx.Done()
		t.unsubscribe(id, subID)
	}()
	return ch, nil
}

func (t *Tracker) unsubscribe(id string, subID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	if ch, ok := e.subs[subID]; ok {
		close(ch)
		delete(e.subs, subID)
	}
}

// pruneLocked drops finished workers past retention. Their subscriptions were
// closed by the terminal transition.
func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, e := range t.entries {
		if f := e.status.FinishedAt; f != nil && !f.After(cutoff) {
			delete(t.entries, id)
		}
	}
}
