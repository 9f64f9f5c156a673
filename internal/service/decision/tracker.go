// Package decision correlates worker prompts with operator answers.
package decision

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"appforge/internal/protocol"
	"appforge/pkg/orcherr"
)

// maxTombstones bounds how many resolved ids are remembered for AlreadyResolved.
const maxTombstones = 128

// Prompt is an outstanding decision prompt
type Prompt struct {
	CorrelationID string
	SessionID     string
	Body          *protocol.DecisionPrompt
	CreatedAt     time.Time
	Deadline      time.Time
}

// Resolution is how a prompt was closed
type Resolution struct {
	Prompt   *Prompt
	Response string
	TimedOut bool
}

// Tracker holds at most one outstanding prompt for one session. It is not
// safe for concurrent use; the owning session serializes access.
type Tracker struct {
	sessionID      string
	defaultTimeout time.Duration
	now            func() time.Time

	pending    *Prompt
	tombstones map[string]struct{}
	order      []string
}

// NewTracker creates the tracker of one session
func NewTracker(sessionID string, defaultTimeout time.Duration) *Tracker {
	return &Tracker{
		sessionID:      sessionID,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
		tombstones:     make(map[string]struct{}),
	}
}

// Open registers a prompt and returns it with its correlation id and deadline.
// A worker-supplied correlation id is kept; otherwise one is generated.
func (t *Tracker) Open(msg *protocol.DecisionPrompt) (*Prompt, error) {
	if t.pending != nil {
		return nil, fmt.Errorf("session %s: %w (correlation_id=%s)", t.sessionID, orcherr.ErrPromptPending, t.pending.CorrelationID)
	}

	id := msg.CorrelationID
	if id == "" {
		id = uuid.New().String()
	} else if _, used := t.tombstones[id]; used {
		return nil, orcherr.NewProtocolError(string(protocol.TypeDecisionPrompt), "correlation id %s already used", id)
	}

	timeout := t.defaultTimeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}
	now := t.now()
	t.pending = &Prompt{
		CorrelationID: id,
		SessionID:     t.sessionID,
		Body:          msg,
		CreatedAt:     now,
		Deadline:      now.Add(timeout),
	}
	return t.pending, nil
}

// Resolve matches an operator response. Unknown ids leave the pending prompt open.
func (t *Tracker) Resolve(correlationID, response string) (*Resolution, error) {
	if t.pending == nil || t.pending.CorrelationID != correlationID {
		if _, done := t.tombstones[correlationID]; done {
			return nil, fmt.Errorf("correlation_id=%s: %w", correlationID, orcherr.ErrAlreadyResolved)
		}
		return nil, fmt.Errorf("correlation_id=%s: %w", correlationID, orcherr.ErrUnknownPrompt)
	}
	if opts := t.pending.Body.Options; len(opts) > 0 && !contains(opts, response) {
		return nil, orcherr.NewProtocolError(string(protocol.TypeDecisionResponse), "response %q is not one of the offered options", response)
	}
	return t.close(response, false), nil
}

// Expire closes the pending prompt with its fallback answer once its deadline has passed.
func (t *Tracker) Expire(now time.Time) (*Resolution, bool) {
	if t.pending == nil || now.Before(t.pending.Deadline) {
		return nil, false
	}
	return t.close(t.pending.Body.Fallback(), true), true
}

// Cancel drops the pending prompt without an answer, for sessions that ended.
func (t *Tracker) Cancel() *Prompt {
	p := t.pending
	if p != nil {
		t.tombstone(p.CorrelationID)
		t.pending = nil
	}
	return p
}

// Pending returns the outstanding prompt, or nil
func (t *Tracker) Pending() *Prompt {
	return t.pending
}

func (t *Tracker) close(response string, timedOut bool) *Resolution {
	p := t.pending
	t.pending = nil
	t.tombstone(p.CorrelationID)
	return &Resolution{Prompt: p, Response: response, TimedOut: timedOut}
}

func (t *Tracker) tombstone(id string) {
	if _, ok := t.tombstones[id]; ok {
		return
	}
	t.tombstones[id] = struct{}{}
	t.order = append(t.order, id)
	if len(t.order) > maxTombstones {
		delete(t.tombstones, t.order[0])
		t.order = t.order[1:]
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
