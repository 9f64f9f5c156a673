package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"appforge/internal/model"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/orcherr"
	"appforge/pkg/store/mysql"
	redisstore "appforge/pkg/store/redis"
)

// RequestStore is the slice of the request repository the reconciler reads
type RequestStore interface {
	Get(ctx context.Context, requestID string) (*model.GenerationRequest, error)
	ListByStatus(ctx context.Context, statuses ...model.Phase) ([]*model.GenerationRequest, error)
	ListTerminalWithHandle(ctx context.Context, updatedBefore time.Time) ([]*model.GenerationRequest, error)
	ClearWorkerHandle(ctx context.Context, requestID string) error
}

// AssignmentStore lists pool entries currently leased
type AssignmentStore interface {
	ListAssigned(ctx context.Context) ([]*mysql.CredentialPoolEntry, error)
}

// LeaseReleaser returns a lease to the pool
type LeaseReleaser interface {
	Release(ctx context.Context, requestID string) error
}

// Sessions is what the reconciler needs from the session server
type Sessions interface {
	Has(requestID string) bool
	Recover(ctx context.Context, req *model.GenerationRequest) error
	Terminate(ctx context.Context, handle interfaces.WorkerHandle) error
	DispatchOutcome(ctx context.Context, req *model.GenerationRequest)
}

// ReconcileReport counts what one pass did
type ReconcileReport struct {
	Recovered  int
	Terminated int
	Released   int
}

// Reconciler re-derives cleanup from persisted request state. It recovers
// live requests that have no session on this instance, terminates workers
// of finished requests and releases their leases.
type Reconciler struct {
	interval time.Duration
	grace    time.Duration
	requests RequestStore
	assigned AssignmentStore
	pool     LeaseReleaser
	sessions Sessions
	lock     redisstore.DistributedLock
	now      func() time.Time
}

// NewReconciler creates the reconciler job. Finished requests younger than
// grace are left to their own session's cleanup. A nil lock runs every pass.
func NewReconciler(
	interval, grace time.Duration,
	requests RequestStore,
	assigned AssignmentStore,
	pool LeaseReleaser,
	sessions Sessions,
	lock redisstore.DistributedLock,
) *Reconciler {
	if lock == nil {
		lock = redisstore.NewRedisDistributedLock(nil, redisstore.ReconcilerLockKey)
	}
	return &Reconciler{
		interval: interval,
		grace:    grace,
		requests: requests,
		assigned: assigned,
		pool:     pool,
		sessions: sessions,
		lock:     lock,
		now:      time.Now,
	}
}

func (r *Reconciler) Name() string { return "session-reconciler" }

func (r *Reconciler) Interval() time.Duration { return r.interval }

// Run performs one pass if this instance wins the lock
func (r *Reconciler) Run(ctx context.Context) error {
	var report ReconcileReport
	ran, err := redisstore.WithLock(ctx, r.lock, func(ctx context.Context) error {
		var err error
		report, err = r.Reconcile(ctx)
		return err
	})
	if !ran {
		if err != nil {
			return fmt.Errorf("failed to acquire reconciler lock: %w", err)
		}
		logger.DebugCtx(ctx, "another instance is reconciling, skipping this cycle")
		return nil
	}
	if report != (ReconcileReport{}) {
		logger.InfoCtx(ctx, "reconciled: recovered=%d terminated=%d released=%d",
			report.Recovered, report.Terminated, report.Released)
	}
	return err
}

// Reconcile runs one pass without taking the lock. Every step is attempted;
// errors are combined.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var errs error

	n, err := r.recoverLive(ctx)
	report.Recovered = n
	errs = multierr.Append(errs, err)

	n, err = r.terminateFinished(ctx)
	report.Terminated = n
	errs = multierr.Append(errs, err)

	n, err = r.releaseLeases(ctx)
	report.Released = n
	errs = multierr.Append(errs, err)

	return report, errs
}

func (r *Reconciler) recoverLive(ctx context.Context) (int, error) {
	live, err := r.requests.ListByStatus(ctx, model.NonTerminalPhases()...)
	if err != nil {
		return 0, err
	}
	var errs error
	recovered := 0
	for _, req := range live {
		if r.sessions.Has(req.RequestID) {
			continue
		}
		if err := r.sessions.Recover(ctx, req); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recover %s: %w", req.RequestID, err))
			continue
		}
		recovered++
	}
	return recovered, errs
}

func (r *Reconciler) terminateFinished(ctx context.Context) (int, error) {
	finished, err := r.requests.ListTerminalWithHandle(ctx, r.now().Add(-r.grace))
	if err != nil {
		return 0, err
	}
	var errs error
	terminated := 0
	for _, req := range finished {
		if r.sessions.Has(req.RequestID) {
			continue
		}
		reqCtx := logger.WithRequestID(ctx, req.RequestID)
		handle, err := interfaces.ParseWorkerHandle(req.WorkerHandle)
		if err == nil {
			err = r.sessions.Terminate(reqCtx, handle)
		} else {
			logger.WarnCtx(reqCtx, "dropping unparseable worker handle: %v", err)
			err = nil
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("terminate %s: %w", req.WorkerHandle, err))
			continue
		}
		if err := r.requests.ClearWorkerHandle(reqCtx, req.RequestID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := r.pool.Release(reqCtx, req.RequestID); err != nil {
			errs = multierr.Append(errs, err)
		}
		// the session that finished this request may not have lived to send these
		r.sessions.DispatchOutcome(reqCtx, req)
		terminated++
	}
	return terminated, errs
}

func (r *Reconciler) releaseLeases(ctx context.Context) (int, error) {
	if r.assigned == nil {
		return 0, nil
	}
	entries, err := r.assigned.ListAssigned(ctx)
	if err != nil {
		return 0, err
	}
	var errs error
	released := 0
	cutoff := r.now().Add(-r.grace)
	for _, entry := range entries {
		if entry.AssignedRequestID == nil || *entry.AssignedRequestID == "" {
			continue
		}
		id := *entry.AssignedRequestID
		if r.sessions.Has(id) {
			continue
		}
		req, err := r.requests.Get(ctx, id)
		switch {
		case errors.Is(err, orcherr.ErrNotFound):
			// lease taken for a request that was never stored
			if entry.AssignedAt != nil && entry.AssignedAt.After(cutoff) {
				continue
			}
		case err != nil:
			errs = multierr.Append(errs, err)
			continue
		case !req.Status.IsTerminal() || req.UpdatedAt.After(cutoff):
			continue
		}
		if err := r.pool.Release(logger.WithRequestID(ctx, id), id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		released++
	}
	return released, errs
}
