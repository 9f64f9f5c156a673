package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"appforge/internal/model"
	"appforge/internal/service/credential"
	"appforge/pkg/deploy/workerstate"
	"appforge/pkg/interfaces"
	"appforge/pkg/orcherr"
	"appforge/pkg/store/mysql"
)

type stubBackend struct {
	tracker *workerstate.Tracker

	mu   sync.Mutex
	envs map[string]map[string]string
	n    int
}

func newStubBackend() *stubBackend {
	return &stubBackend{tracker: workerstate.New("stub"), envs: make(map[string]map[string]string)}
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Spawn(_ context.Context, cfg *interfaces.WorkerSpawnConfig) (interfaces.WorkerHandle, error) {
	b.mu.Lock()
	b.n++
	id := fmt.Sprintf("w-%d", b.n)
	b.envs[cfg.RequestID] = cfg.Env
	b.mu.Unlock()
	h := b.tracker.Add(id)
	b.tracker.Running(id)
	return h, nil
}

func (b *stubBackend) Terminate(_ context.Context, h interfaces.WorkerHandle) error {
	if !b.tracker.Has(h.ID) {
		return orcherr.ErrNotFound
	}
	b.tracker.Stopped(h.ID, "terminated")
	return nil
}

func (b *stubBackend) Status(_ context.Context, h interfaces.WorkerHandle) (*interfaces.WorkerStatus, error) {
	return b.tracker.Status(h.ID)
}

func (b *stubBackend) Events(ctx context.Context, h interfaces.WorkerHandle) (<-chan interfaces.LifecycleEvent, error) {
	return b.tracker.Subscribe(ctx, h.ID)
}

func (b *stubBackend) env(requestID string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.envs[requestID]
}

type stubRequests struct {
	mu   sync.Mutex
	rows map[string]*model.GenerationRequest
}

func newStubRequests() *stubRequests {
	return &stubRequests{rows: make(map[string]*model.GenerationRequest)}
}

func (r *stubRequests) Create(_ context.Context, req *model.GenerationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[req.RequestID]; !ok {
		cp := *req
		cp.CreatedAt = time.Now()
		cp.UpdatedAt = cp.CreatedAt
		r.rows[req.RequestID] = &cp
	}
	return nil
}

func (r *stubRequests) Get(_ context.Context, id string) (*model.GenerationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, orcherr.ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (r *stubRequests) Transition(_ context.Context, id string, from, to model.Phase, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return mysql.ErrStatusChanged
	}
	row.Status = to
	row.Error = errMsg
	return nil
}

func (r *stubRequests) SetWorkerHandle(_ context.Context, id, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.WorkerHandle = handle
	}
	return nil
}

func (r *stubRequests) ClearWorkerHandle(ctx context.Context, id string) error {
	return r.SetWorkerHandle(ctx, id, "")
}

func (r *stubRequests) seed(req model.GenerationRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[req.RequestID] = &req
}

// stubPool hands out numbered leases until it runs dry
type stubPool struct {
	mu     sync.Mutex
	free   int
	leases map[string]*credential.Lease
}

func newStubPool(free int) *stubPool {
	return &stubPool{free: free, leases: make(map[string]*credential.Lease)}
}

func (p *stubPool) Policy() string { return credential.PolicyReject }

func (p *stubPool) Override(string, model.Credentials) {}

func (p *stubPool) IsOverridden(string) bool { return false }

func (p *stubPool) Lease(_ context.Context, id string) (*credential.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.leases[id]; ok {
		return l, nil
	}
	if p.free == 0 {
		return nil, orcherr.ErrPoolExhausted
	}
	p.free--
	l := &credential.Lease{
		RequestID:   id,
		EntryID:     int64(len(p.leases) + 1),
		Credentials: model.Credentials{ConnectionString: "postgres://pool:pw@db/" + id},
	}
	p.leases[id] = l
	return l, nil
}

func (p *stubPool) LeaseWait(ctx context.Context, id string) (*credential.Lease, error) {
	return p.Lease(ctx, id)
}

func (p *stubPool) Held(_ context.Context, id string) (*credential.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leases[id], nil
}

func (p *stubPool) Release(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.leases[id]; ok {
		delete(p.leases, id)
		p.free++
	}
	return nil
}

func (p *stubPool) Stats(context.Context) (int64, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.free), int64(len(p.leases)), nil
}
