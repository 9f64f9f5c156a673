package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"appforge/internal/model"
	"appforge/internal/service/credential"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
	"appforge/pkg/status"
	storemodel "appforge/pkg/store/mysql/model"
)

type spawnResult struct {
	lease  *credential.Lease
	handle interfaces.WorkerHandle
	err    error
}

// startSpawn leases credentials and spawns the worker off the actor.
func (s *Session) startSpawn() {
	if s.spawning || !s.handle.IsZero() || s.finalized {
		return
	}
	if s.m.opts.Backend == nil {
		s.failText(status.FailureSpawnConfig, orcherr.NewSpawnConfigError("", errors.New("no worker backend configured")))
		return
	}
	s.spawning = true
	ctx, cancel := context.WithCancel(s.ctx)
	s.spawnCancel = cancel
	req := *s.req
	lease := s.lease

	s.m.goBackground(func() {
		defer cancel()
		res := s.m.spawnWorker(ctx, &req, lease)
		if s.post(func() { s.onSpawnResult(res) }) {
			return
		}
		// session halted while spawning
		if !res.handle.IsZero() {
			s.m.terminateWithRetry(logger.WithRequestID(context.Background(), req.RequestID), res.handle)
		}
	})
}

func (m *Manager) spawnWorker(ctx context.Context, req *model.GenerationRequest, lease *credential.Lease) spawnResult {
	if lease == nil {
		// caller-supplied credentials never fall back to a pool entry
		if req.BYOT && !m.opts.Pool.IsOverridden(req.RequestID) {
			return spawnResult{err: orcherr.NewSpawnConfigError(m.opts.Backend.Name(), ErrCredentialsLost)}
		}
		var err error
		lease, err = m.opts.Pool.LeaseWait(ctx, req.RequestID)
		if err != nil {
			return spawnResult{err: err}
		}
	}

	cfg := m.spawnConfig(req, lease)
	backend := m.opts.Backend
	t := m.opts.Timings
	for attempt := 0; ; attempt++ {
		m.opts.Metrics.SpawnAttempt(backend.Name())
		attemptCtx, cancel := context.WithTimeout(ctx, t.SpawnTimeout)
		start := time.Now()
		handle, err := backend.Spawn(attemptCtx, cfg)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			m.opts.Metrics.SpawnLatency(time.Since(start))
			logger.InfoCtx(ctx, "worker spawned: %s (attempt %d)", handle, attempt+1)
			return spawnResult{lease: lease, handle: handle}
		}
		if ctx.Err() != nil {
			return spawnResult{lease: lease, err: ctx.Err()}
		}

		var spawnErr *orcherr.SpawnError
		if !errors.As(err, &spawnErr) {
			kind := orcherr.SpawnCapacity
			if timedOut {
				kind = orcherr.SpawnTimeout
				err = &orcherr.TimeoutError{Op: "spawn", After: t.SpawnTimeout.String()}
			}
			spawnErr = &orcherr.SpawnError{Backend: backend.Name(), Kind: kind, Err: err}
		}
		m.opts.Metrics.SpawnFailure(string(spawnErr.Kind))
		m.recordEvent(ctx, req.RequestID, storemodel.EventWorkerSpawnFailed, "", "", "", spawnErr.Error(),
			map[string]interface{}{"attempt": attempt + 1, "kind": string(spawnErr.Kind)})
		logger.WarnCtx(ctx, "spawn attempt %d failed: %v", attempt+1, spawnErr)

		if !spawnErr.Retryable() || attempt >= t.SpawnRetries {
			return spawnResult{lease: lease, err: spawnErr}
		}
		select {
		case <-ctx.Done():
			return spawnResult{lease: lease, err: ctx.Err()}
		case <-time.After(t.SpawnBackoff * time.Duration(attempt+1)):
		}
	}
}

func (s *Session) onSpawnResult(res spawnResult) {
	s.spawning = false
	s.spawnCancel = nil
	if res.lease != nil && s.lease == nil {
		s.lease = res.lease
		s.auditLease(storemodel.EventLeaseAcquired)
	}

	if res.err != nil {
		if s.finalized {
			s.cleanup()
			return
		}
		if errors.Is(res.err, orcherr.ErrPoolExhausted) {
			s.failText(status.FailureSpawnCapacity, orcherr.NewCapacityError(s.backendName(), res.err))
			return
		}
		s.failText(status.Classify(res.err), res.err)
		return
	}

	s.handle = res.handle
	s.workerState = interfaces.WorkerPending
	ctx, cancel := context.WithTimeout(s.ctx, s.m.opts.Timings.StoreTimeout)
	if err := s.m.opts.Requests.SetWorkerHandle(ctx, s.id, res.handle.String()); err != nil {
		logger.ErrorCtx(s.ctx, "failed to store worker handle %s: %v", res.handle, err)
	}
	cancel()
	s.audit(storemodel.EventWorkerSpawned, s.phase, s.phase, "")

	if s.finalized {
		s.cleanup()
		return
	}
	if s.worker == nil {
		s.readyDeadline = s.m.now().Add(s.m.opts.Timings.SpawnTimeout)
	}
	s.watch()
}

// watch subscribes to the backend's lifecycle events for the worker.
func (s *Session) watch() {
	ch, err := s.m.opts.Backend.Events(s.ctx, s.handle)
	if err != nil {
		logger.WarnCtx(s.ctx, "cannot watch worker %s: %v", s.handle, err)
		return
	}
	s.m.goBackground(func() {
		for ev := range ch {
			ev := ev
			if !s.post(func() { s.onLifecycle(ev) }) {
				return
			}
		}
	})
}

func (s *Session) onLifecycle(ev interfaces.LifecycleEvent) {
	if ev.Handle != s.handle {
		return
	}
	switch ev.Type {
	case interfaces.EventStarted:
		s.workerState = interfaces.WorkerRunning
	case interfaces.EventExited, interfaces.EventCrashed:
		s.workerState = interfaces.WorkerStopped
		if ev.Type == interfaces.EventCrashed || ev.ExitCode != 0 {
			s.workerState = interfaces.WorkerFailed
		}
		s.audit(storemodel.EventWorkerExited, s.phase, s.phase, fmt.Sprintf("exit code %d: %s", ev.ExitCode, ev.Reason))
		if s.phase.IsTerminal() {
			return
		}
		// a connected worker may still have messages in flight; fail on disconnect
		s.workerExited = &ev
		if s.worker == nil {
			s.failWorkerExit(ev)
		}
	}
}

func (s *Session) failWorkerExit(ev interfaces.LifecycleEvent) {
	reason := ev.Reason
	if reason == "" {
		reason = string(ev.Type)
	}
	s.failText(status.FailureWorkerCrash, fmt.Errorf("worker exited with code %d: %s", ev.ExitCode, reason))
}

type cleanupJob struct {
	requestID string
	userID    string
	phase     model.Phase
	message   string
	handle    interfaces.WorkerHandle
}

// cleanup terminates the worker, releases the lease and queues side effects, once.
func (s *Session) cleanup() {
	if s.cleanedUp {
		return
	}
	s.cleanedUp = true
	s.touchIdle()
	job := cleanupJob{
		requestID: s.id,
		userID:    s.req.UserID,
		phase:     s.phase,
		message:   s.failure,
		handle:    s.handle,
	}
	s.m.goBackground(func() { s.m.runCleanup(job) })
}

func (m *Manager) runCleanup(job cleanupJob) {
	ctx := logger.WithRequestID(context.Background(), job.requestID)

	if !job.handle.IsZero() {
		if err := m.terminateWithRetry(ctx, job.handle); err != nil {
			logger.ErrorCtx(ctx, "giving up terminating %s, the reconciler will retry: %v", job.handle, err)
		} else {
			storeCtx, cancel := context.WithTimeout(ctx, m.opts.Timings.StoreTimeout)
			if err := m.opts.Requests.ClearWorkerHandle(storeCtx, job.requestID); err != nil {
				logger.WarnCtx(ctx, "failed to clear worker handle: %v", err)
			}
			cancel()
			m.recordEvent(ctx, job.requestID, storemodel.EventWorkerTerminated, job.phase, job.phase, job.handle.String(), "", nil)
		}
	}

	releaseCtx, cancel := context.WithTimeout(ctx, m.opts.Timings.StoreTimeout)
	if err := m.opts.Pool.Release(releaseCtx, job.requestID); err != nil {
		logger.ErrorCtx(ctx, "failed to release credential lease: %v", err)
	} else {
		m.recordEvent(ctx, job.requestID, storemodel.EventLeaseReleased, job.phase, job.phase, job.handle.String(), "", nil)
	}
	cancel()

	m.dispatchOutcome(ctx, job.requestID, job.userID, job.phase, job.message)
}

// dispatchOutcome queues the notification and, on success, the credit deduction.
// Task ids make repeated calls for the same request harmless.
func (m *Manager) dispatchOutcome(ctx context.Context, requestID, userID string, phase model.Phase, message string) {
	if m.opts.Dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timings.StoreTimeout)
	defer cancel()

	n := &interfaces.Notification{RequestID: requestID, UserID: userID, Phase: string(phase), Message: message}
	if err := m.opts.Dispatcher.EnqueueNotification(ctx, n); err != nil {
		logger.ErrorCtx(ctx, "failed to queue %s notification: %v", phase, err)
	}
	if phase == model.PhaseCompleted && m.opts.CreditsPerRun > 0 {
		if err := m.opts.Dispatcher.EnqueueDeduction(ctx, userID, requestID, m.opts.CreditsPerRun); err != nil {
			logger.ErrorCtx(ctx, "failed to queue credit deduction: %v", err)
		}
	}
}

// DispatchOutcome is used by the reconciler for requests that finished without a live session
func (m *Manager) DispatchOutcome(ctx context.Context, req *model.GenerationRequest) {
	m.dispatchOutcome(ctx, req.RequestID, req.UserID, req.Status, req.Error)
}

// terminateWithRetry bounds every attempt by the terminate timeout. An
// unknown handle counts as already terminated.
func (m *Manager) terminateWithRetry(ctx context.Context, handle interfaces.WorkerHandle) error {
	t := m.opts.Timings
	var lastErr error
	for attempt := 0; attempt <= t.TerminateRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(t.TerminateBackoff * time.Duration(attempt))
		}
		attemptCtx, cancel := context.WithTimeout(ctx, t.TerminateTimeout)
		err := m.opts.Backend.Terminate(attemptCtx, handle)
		cancel()
		if err == nil || errors.Is(err, orcherr.ErrNotFound) {
			logger.InfoCtx(ctx, "worker %s terminated", handle)
			return nil
		}
		lastErr = err
		m.opts.Metrics.TerminateFailure()
		logger.WarnCtx(ctx, "terminate attempt %d for %s failed: %v", attempt+1, handle, err)
	}
	return &orcherr.TimeoutError{Op: "terminate " + handle.String(), After: fmt.Sprintf("%d attempts: %v", t.TerminateRetries+1, lastErr)}
}

// Terminate stops a worker by handle; used by the reconciler.
func (m *Manager) Terminate(ctx context.Context, handle interfaces.WorkerHandle) error {
	if m.opts.Backend == nil {
		return orcherr.ErrNotFound
	}
	return m.terminateWithRetry(ctx, handle)
}

// spawnConfig builds the worker environment contract.
func (m *Manager) spawnConfig(req *model.GenerationRequest, lease *credential.Lease) *interfaces.WorkerSpawnConfig {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = m.opts.DefaultMaxIterations
	}
	env := map[string]string{
		"APPFORGE_REQUEST_ID":     req.RequestID,
		"APPFORGE_USER_ID":        req.UserID,
		"APPFORGE_PROMPT":         req.Prompt,
		"APPFORGE_MODE":           req.Mode,
		"APPFORGE_MAX_ITERATIONS": strconv.Itoa(maxIter),
		"APPFORGE_CALLBACK_URL":   m.callbackURL(req.RequestID),
		"APPFORGE_WORKER_TOKEN":   m.workerToken(req.RequestID),
		"APPFORGE_IN_WORKER":      "true",
	}
	for k, v := range lease.Credentials.Env() {
		env[k] = v
	}
	return &interfaces.WorkerSpawnConfig{
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		Prompt:        req.Prompt,
		Mode:          req.Mode,
		MaxIterations: maxIter,
		Env:           env,
	}
}

func (m *Manager) callbackURL(requestID string) string {
	return strings.TrimRight(m.opts.CallbackURL, "/") + "/ws/worker/" + url.PathEscape(requestID)
}

// workerToken is derived from the request id so it survives restarts without storage.
func (m *Manager) workerToken(requestID string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(requestID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) validToken(requestID, token string) bool {
	if token == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(m.workerToken(requestID)))
}
