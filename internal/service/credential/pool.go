// Package credential leases backing-service credentials to generation sessions.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"appforge/internal/model"
	"appforge/pkg/config"
	"appforge/pkg/logger"
	"appforge/pkg/metrics"
	"appforge/pkg/orcherr"
	"appforge/pkg/store/mysql"
)

// Exhaustion policies
const (
	PolicyReject = "reject"
	PolicyWait   = "wait"
)

// Store is the persisted pool table
type Store interface {
	Insert(ctx context.Context, creds model.Credentials, source string) (*mysql.CredentialPoolEntry, error)
	Lease(ctx context.Context, requestID string) (*mysql.CredentialPoolEntry, error)
	Release(ctx context.Context, requestID string) (bool, error)
	FindByRequest(ctx context.Context, requestID string) (*mysql.CredentialPoolEntry, error)
	CountByStatus(ctx context.Context) (free, assigned int64, err error)
}

// Provisioner creates a new pool entry on demand
type Provisioner interface {
	Provision(ctx context.Context, requestID string) (*model.Credentials, error)
}

// Lease is the credential set granted to one request
type Lease struct {
	RequestID   string
	Credentials model.Credentials
	EntryID     int64 // zero for BYOT
	BYOT        bool
}

// Pool hands out credential entries. BYOT overrides bypass the store entirely.
type Pool struct {
	store       Store
	provisioner Provisioner
	metrics     *metrics.Recorder

	policy        string
	retryInterval time.Duration
	waitTimeout   time.Duration

	mu        sync.Mutex
	overrides map[string]model.Credentials
}

// NewPool creates a pool. provisioner may be nil.
func NewPool(store Store, cfg config.CredentialPoolConfig, rec *metrics.Recorder, provisioner Provisioner) *Pool {
	if rec == nil {
		rec = metrics.NewRecorder(nil)
	}
	policy := cfg.ExhaustionPolicy
	if policy != PolicyWait {
		policy = PolicyReject
	}
	retry := config.Seconds(cfg.RetryInterval)
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Pool{
		store:         store,
		provisioner:   provisioner,
		metrics:       rec,
		policy:        policy,
		retryInterval: retry,
		waitTimeout:   config.Seconds(cfg.WaitTimeout),
		overrides:     make(map[string]model.Credentials),
	}
}

// Policy returns the exhaustion policy
func (p *Pool) Policy() string {
	return p.policy
}

// Override binds caller-supplied credentials to requestID. Lease then returns
// them without touching the pool and Release is a no-op.
func (p *Pool) Override(requestID string, creds model.Credentials) {
	p.mu.Lock()
	p.overrides[requestID] = creds
	p.mu.Unlock()
}

// IsOverridden reports whether requestID uses its own credentials
func (p *Pool) IsOverridden(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.overrides[requestID]
	return ok
}

// Lease makes one attempt to lease an entry for requestID, provisioning a new
// entry if the pool is empty and a provisioner is configured. A request that
// already holds an entry gets the same entry back.
func (p *Pool) Lease(ctx context.Context, requestID string) (*Lease, error) {
	p.mu.Lock()
	creds, byot := p.overrides[requestID]
	p.mu.Unlock()
	if byot {
		p.metrics.PoolLease("byot")
		return &Lease{RequestID: requestID, Credentials: creds, BYOT: true}, nil
	}

	entry, err := p.store.Lease(ctx, requestID)
	if errors.Is(err, orcherr.ErrPoolExhausted) && p.provisioner != nil {
		entry, err = p.provisionAndLease(ctx, requestID)
	}
	if err != nil {
		if errors.Is(err, orcherr.ErrPoolExhausted) {
			p.metrics.PoolLease("exhausted")
		}
		return nil, err
	}

	p.metrics.PoolLease("leased")
	logger.InfoCtx(ctx, "leased credential entry %d", entry.ID)
	return &Lease{RequestID: requestID, Credentials: mysql.ToCredentials(entry), EntryID: entry.ID}, nil
}

func (p *Pool) provisionAndLease(ctx context.Context, requestID string) (*mysql.CredentialPoolEntry, error) {
	creds, err := p.provisioner.Provision(ctx, requestID)
	if err != nil {
		logger.WarnCtx(ctx, "credential provisioning failed: %v", err)
		return nil, fmt.Errorf("%w: provisioning failed: %v", orcherr.ErrPoolExhausted, err)
	}
	if _, err := p.store.Insert(ctx, *creds, "provisioned"); err != nil {
		return nil, fmt.Errorf("failed to store provisioned entry: %w", err)
	}
	p.metrics.PoolLease("provisioned")
	return p.store.Lease(ctx, requestID)
}

// LeaseWait applies the exhaustion policy: reject returns the first
// ErrPoolExhausted, wait retries until the wait timeout or ctx is done.
func (p *Pool) LeaseWait(ctx context.Context, requestID string) (*Lease, error) {
	lease, err := p.Lease(ctx, requestID)
	if err == nil || p.policy != PolicyWait || !errors.Is(err, orcherr.ErrPoolExhausted) {
		return lease, err
	}

	if p.waitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.waitTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(p.retryInterval)
	defer ticker.Stop()

	logger.InfoCtx(ctx, "credential pool exhausted, waiting for a free entry")
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: gave up waiting: %v", orcherr.ErrPoolExhausted, ctx.Err())
		case <-ticker.C:
		}
		lease, err = p.Lease(ctx, requestID)
		if err == nil || !errors.Is(err, orcherr.ErrPoolExhausted) {
			return lease, err
		}
	}
}

// Release returns the entry held by requestID to the pool. Releasing an
// unknown, already released or BYOT request is a no-op.
func (p *Pool) Release(ctx context.Context, requestID string) error {
	p.mu.Lock()
	_, byot := p.overrides[requestID]
	delete(p.overrides, requestID)
	p.mu.Unlock()
	if byot {
		return nil
	}

	released, err := p.store.Release(ctx, requestID)
	if err != nil {
		return err
	}
	if released {
		logger.InfoCtx(ctx, "released credential lease")
	}
	return nil
}

// Held returns the lease recorded for requestID, or nil
func (p *Pool) Held(ctx context.Context, requestID string) (*Lease, error) {
	entry, err := p.store.FindByRequest(ctx, requestID)
	if err != nil || entry == nil {
		return nil, err
	}
	return &Lease{RequestID: requestID, Credentials: mysql.ToCredentials(entry), EntryID: entry.ID}, nil
}

// Stats returns the number of free and assigned entries
func (p *Pool) Stats(ctx context.Context) (free, assigned int64, err error) {
	return p.store.CountByStatus(ctx)
}
