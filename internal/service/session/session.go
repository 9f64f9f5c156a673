package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"appforge/internal/model"
	"appforge/internal/protocol"
	"appforge/internal/service/credential"
	"appforge/internal/service/decision"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
	"appforge/pkg/status"
	storemodel "appforge/pkg/store/mysql/model"
)

const (
	logBatchSize     = 64
	logRetryMin      = 50 * time.Millisecond
	logRetryMax      = 5 * time.Second
	logFinalAttempts = 3
)

// Session is the actor of one generation request. Every field below the
// mailbox is owned by the actor goroutine.
type Session struct {
	m      *Manager
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan func()
	quit     chan struct{}
	haltOnce sync.Once

	// entries recorded but not yet in the durable log, oldest first; the
	// actor appends, the flusher trims the head once Append succeeds
	logMu      sync.Mutex
	logPending []model.LogEntry
	logKick    chan struct{}

	req       *model.GenerationRequest
	phase     model.Phase
	createdAt time.Time
	updatedAt time.Time

	operators  map[string]*Peer
	candidates map[string]*Peer // worker connections that have not sent ready
	worker     *Peer

	handle       interfaces.WorkerHandle
	workerState  interfaces.WorkerState
	workerExited *interfaces.LifecycleEvent
	lease        *credential.Lease
	tracker      *decision.Tracker
	history      []model.LogEntry

	spawning       bool
	spawnCancel    context.CancelFunc
	startRequested bool
	recovering     bool
	finalized      bool
	cleanedUp      bool
	failure        string

	readyDeadline time.Time
	graceDeadline time.Time
	idleSince     time.Time
}

func newSession(m *Manager, req *model.GenerationRequest) *Session {
	ctx, cancel := context.WithCancel(logger.WithRequestID(m.baseCtx, req.RequestID))
	now := m.now()
	return &Session{
		m:          m,
		id:         req.RequestID,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan func(), m.opts.Timings.InboxSize),
		quit:       make(chan struct{}),
		logKick:    make(chan struct{}, 1),
		req:        req,
		phase:      model.PhaseQueued,
		createdAt:  req.CreatedAt,
		updatedAt:  now,
		operators:  make(map[string]*Peer),
		candidates: make(map[string]*Peer),
		tracker:    decision.NewTracker(req.RequestID, m.opts.Timings.DecisionTimeout),
	}
}

func (s *Session) start() {
	s.m.goBackground(s.run)
	if s.m.opts.Log != nil {
		s.m.goBackground(s.flushLog)
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.inbox:
			s.exec(fn)
		}
	}
}

// exec applies one mailbox item. A panic fails this session only.
func (s *Session) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(s.ctx, "session panic: %v\n%s", r, debug.Stack())
			s.safely(func() {
				s.failText(status.FailureUnknown, fmt.Errorf("internal error: %v", r))
			})
		}
	}()
	fn()
}

func (s *Session) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(s.ctx, "session panic while failing: %v", r)
		}
	}()
	fn()
}

// post enqueues fn and reports whether the session accepted it.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// tryPost never blocks; used by the sweep loop.
func (s *Session) tryPost(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	default:
		return false
	}
}

// do runs fn on the actor and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	ok := s.post(func() {
		var err error
		defer func() { result <- err }()
		err = fn()
	})
	if !ok {
		return fmt.Errorf("session %s: %w", s.id, orcherr.ErrNotFound)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return fmt.Errorf("session %s: %w", s.id, orcherr.ErrNotFound)
	}
}

// halt stops the actor and drops every connection. Must run on the actor.
func (s *Session) halt(reason string) {
	for id, p := range s.operators {
		p.close(reason)
		delete(s.operators, id)
	}
	for id, p := range s.candidates {
		p.close(reason)
		delete(s.candidates, id)
	}
	if s.worker != nil {
		s.worker.close(reason)
		s.worker = nil
	}
	s.haltOnce.Do(func() {
		close(s.quit)
		s.cancel()
	})
}

// open runs once for a new session
func (s *Session) open() {
	s.broadcast(protocol.NewPhase(s.id, s.phase, "opened", s.m.now()))
	if s.lease != nil {
		s.auditLease(storemodel.EventLeaseAcquired)
	}
	s.startSpawn()
}

// resume runs once for a session rebuilt after a restart
func (s *Session) resume() {
	s.audit(storemodel.EventSessionRecovered, s.phase, s.phase, "orchestrator restarted")
	switch {
	case !s.handle.IsZero():
		s.readyDeadline = s.m.now().Add(s.m.opts.Timings.SpawnTimeout)
		s.workerState = interfaces.WorkerPending
		s.watch()
	case s.phase == model.PhaseQueued && s.req.BYOT && s.lease == nil:
		s.recovering = false
		s.failText(status.FailureSpawnConfig, orcherr.NewSpawnConfigError(s.backendName(), ErrCredentialsLost))
	case s.phase == model.PhaseQueued:
		s.recovering = false
		s.startSpawn()
	default:
		s.failText(status.FailureWorkerLost, errors.New("worker handle lost across an orchestrator restart"))
	}
}

func (s *Session) snapshot(ctx context.Context) (*model.SessionSnapshot, error) {
	var snap *model.SessionSnapshot
	err := s.do(ctx, func() error {
		snap = &model.SessionSnapshot{
			RequestID:      s.id,
			Phase:          s.phase,
			Operators:      len(s.operators),
			WorkerAttached: s.worker != nil,
			WorkerHandle:   s.handle.String(),
			WorkerState:    string(s.workerState),
			LogLength:      len(s.history),
			Recovering:     s.recovering,
			CreatedAt:      s.createdAt,
			UpdatedAt:      s.updatedAt,
		}
		if p := s.tracker.Pending(); p != nil {
			snap.PendingPrompt = &model.PromptView{
				CorrelationID: p.CorrelationID,
				Prompt:        p.Body.Prompt,
				Options:       append([]string{}, p.Body.Options...),
				Iteration:     p.Body.Iteration,
				MaxIterations: p.Body.MaxIterations,
				ExpiresAt:     p.Deadline,
			}
		}
		return nil
	})
	return snap, err
}

func (s *Session) historySlice(since, limit int64) []model.LogEntry {
	if since >= int64(len(s.history)) {
		return nil
	}
	end := int64(len(s.history))
	if limit > 0 && since+limit < end {
		end = since + limit
	}
	return append([]model.LogEntry(nil), s.history[since:end]...)
}

// record appends one operator-bound message to the replay buffer and the durable log.
func (s *Session) record(data []byte) {
	entry := model.LogEntry{Seq: int64(len(s.history)), At: s.m.now(), Line: string(data)}
	s.history = append(s.history, entry)
	if s.m.opts.Log == nil {
		return
	}
	s.logMu.Lock()
	s.logPending = append(s.logPending, entry)
	s.logMu.Unlock()
	select {
	case s.logKick <- struct{}{}:
	default:
	}
}

// broadcast records v and sends it to every operator. An operator that cannot
// keep up is disconnected; it resumes by replay.
func (s *Session) broadcast(v interface{}) {
	data, err := protocol.Encode(v)
	if err != nil {
		logger.ErrorCtx(s.ctx, "failed to encode broadcast: %v", err)
		return
	}
	s.broadcastRaw(data)
}

func (s *Session) broadcastRaw(data []byte) {
	s.record(data)
	for id, p := range s.operators {
		if !p.enqueue(data) {
			logger.WarnCtx(s.ctx, "operator %s cannot keep up, disconnecting", id)
			p.close(ReasonSlowConsumer)
			delete(s.operators, id)
			s.m.opts.Metrics.OperatorEvicted()
			s.touchIdle()
		}
	}
}

// sendWorker forwards v to the ready worker. Returns false when no worker is attached.
func (s *Session) sendWorker(v interface{}) bool {
	if s.worker == nil {
		return false
	}
	return s.send(s.worker, v)
}

func (s *Session) send(p *Peer, v interface{}) bool {
	data, err := protocol.Encode(v)
	if err != nil {
		logger.ErrorCtx(s.ctx, "failed to encode message: %v", err)
		return false
	}
	if !p.enqueue(data) {
		logger.WarnCtx(s.ctx, "%s %s outbound queue full, disconnecting", p.Role, p.ID)
		p.close(ReasonSlowConsumer)
		return false
	}
	return true
}

// transition moves the session to a new phase, persists and announces it.
func (s *Session) transition(to model.Phase, reason string) bool {
	from := s.phase
	if !model.CanTransition(from, to) {
		logger.WarnCtx(s.ctx, "ignoring phase change %s -> %s (%s)", from, to, reason)
		return false
	}

	errMsg := ""
	if to == model.PhaseFailed {
		errMsg = reason
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.m.opts.Timings.StoreTimeout)
	err := s.m.opts.Requests.Transition(ctx, s.id, from, to, errMsg)
	cancel()
	if err != nil {
		logger.ErrorCtx(s.ctx, "failed to persist phase %s -> %s: %v", from, to, err)
	}

	now := s.m.now()
	s.phase = to
	s.updatedAt = now
	s.audit(storemodel.EventPhaseChanged, from, to, reason)
	s.broadcast(protocol.NewPhase(s.id, to, reason, now))
	logger.InfoCtx(s.ctx, "phase %s -> %s (%s)", from, to, reason)

	if to.IsTerminal() {
		s.m.opts.Metrics.SessionTerminal(string(to))
		s.finalize()
	}
	return true
}

// failText fails the session with a sanitized description of err and tells operators once.
func (s *Session) failText(ft status.FailureType, err error) {
	if s.phase.IsTerminal() {
		return
	}
	msg := s.m.opts.Sanitizer.Describe(ft, err, s.secrets()...)
	s.failure = msg
	s.broadcast(protocol.NewError(s.id, msg))
	s.transition(model.PhaseFailed, msg)
}

func (s *Session) secrets() []string {
	out := []string{s.m.workerToken(s.id)}
	if s.lease != nil {
		out = append(out, s.lease.Credentials.Secrets()...)
	}
	return out
}

// finalize runs once when the session reaches a terminal phase.
func (s *Session) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true
	s.readyDeadline = time.Time{}
	s.graceDeadline = time.Time{}
	s.touchIdle()

	if p := s.tracker.Cancel(); p != nil {
		logger.InfoCtx(s.ctx, "dropping open decision prompt %s", p.CorrelationID)
	}
	if s.spawnCancel != nil {
		s.spawnCancel()
	}
	if s.worker != nil {
		if s.phase == model.PhaseCancelled {
			s.sendWorker(protocol.NewControlCommand(s.id, model.CommandCancel))
		}
		s.worker.close(ReasonSessionEnded)
		s.worker = nil
	}
	for id, p := range s.candidates {
		p.close(ReasonSessionEnded)
		delete(s.candidates, id)
	}
	if !s.spawning {
		s.cleanup()
	}
}

func (s *Session) touchIdle() {
	s.idleSince = s.m.now()
}

// sweep enforces deadlines and reaps idle finished sessions.
func (s *Session) sweep(now time.Time) {
	if res, ok := s.tracker.Expire(now); ok {
		s.m.opts.Metrics.DecisionTimeout()
		logger.InfoCtx(s.ctx, "decision %s timed out, answering %q", res.Prompt.CorrelationID, res.Response)
		s.resolveDecision(res)
	}

	if !s.phase.IsTerminal() {
		if !s.readyDeadline.IsZero() && !now.Before(s.readyDeadline) {
			s.readyDeadline = time.Time{}
			s.failText(status.FailureSpawnTimeout, &orcherr.SpawnError{
				Backend: s.backendName(),
				Kind:    orcherr.SpawnTimeout,
				Err:     &orcherr.TimeoutError{Op: "worker ready", After: s.m.opts.Timings.SpawnTimeout.String()},
			})
			return
		}
		if !s.graceDeadline.IsZero() && !now.Before(s.graceDeadline) && s.worker == nil {
			s.graceDeadline = time.Time{}
			s.failText(status.FailureWorkerLost, errors.New("worker connection lost and did not reconnect"))
		}
		return
	}

	if len(s.operators) == 0 && s.cleanedUp && now.Sub(s.idleSince) >= s.m.opts.Timings.IdleGrace {
		logger.DebugCtx(s.ctx, "reaping idle session")
		s.m.remove(s)
		s.halt(ReasonSessionEnded)
	}
}

func (s *Session) backendName() string {
	if s.handle.Backend != "" {
		return s.handle.Backend
	}
	if s.m.opts.Backend != nil {
		return s.m.opts.Backend.Name()
	}
	return ""
}

// flushLog copies recorded entries to the durable log in order, batching
// bursts. A failed Append is retried with backoff; nothing is skipped.
func (s *Session) flushLog() {
	ctx := logger.WithRequestID(context.Background(), s.id)
	backoff := logRetryMin
	for {
		select {
		case <-s.logKick:
		case <-s.quit:
			s.flushFinal(ctx)
			return
		}
		for {
			err := s.flushPending(ctx)
			if err == nil {
				backoff = logRetryMin
				break
			}
			if errors.Is(err, orcherr.ErrLogGap) {
				s.dropPending(ctx, err)
				break
			}
			logger.WarnCtx(ctx, "failed to persist session log, retrying in %s: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-s.quit:
				s.flushFinal(ctx)
				return
			}
			if backoff *= 2; backoff > logRetryMax {
				backoff = logRetryMax
			}
		}
	}
}

// flushFinal drains what is left once the session has stopped.
func (s *Session) flushFinal(ctx context.Context) {
	var err error
	for attempt := 0; attempt < logFinalAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(logRetryMin * time.Duration(attempt))
		}
		if err = s.flushPending(ctx); err == nil || errors.Is(err, orcherr.ErrLogGap) {
			break
		}
	}
	if err == nil {
		return
	}
	s.logMu.Lock()
	lost := len(s.logPending)
	s.logMu.Unlock()
	logger.ErrorCtx(ctx, "%d session log entries were not persisted: %v", lost, err)
}

// dropPending gives up on entries the durable log can no longer take in sequence.
func (s *Session) dropPending(ctx context.Context, err error) {
	s.logMu.Lock()
	lost := len(s.logPending)
	s.logPending = nil
	s.logMu.Unlock()
	logger.ErrorCtx(ctx, "dropping %d session log entries: %v", lost, err)
}

// flushPending appends pending entries until none are left or Append fails.
func (s *Session) flushPending(ctx context.Context) error {
	for {
		s.logMu.Lock()
		n := len(s.logPending)
		if n > logBatchSize {
			n = logBatchSize
		}
		batch := append([]model.LogEntry(nil), s.logPending[:n]...)
		s.logMu.Unlock()
		if len(batch) == 0 {
			return nil
		}

		appendCtx, cancel := context.WithTimeout(ctx, s.m.opts.Timings.StoreTimeout)
		err := s.m.opts.Log.Append(appendCtx, s.id, batch...)
		cancel()
		if err != nil {
			return err
		}

		s.logMu.Lock()
		s.logPending = s.logPending[len(batch):]
		if len(s.logPending) == 0 {
			s.logPending = nil
		}
		s.logMu.Unlock()
	}
}
