// Package jobs runs the orchestrator's periodic background work.
package jobs

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"appforge/pkg/logger"
)

// Job is a periodic background task
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// AlignedJob first runs on the next multiple of its interval instead of at startup.
type AlignedJob interface {
	Job
	AlignToInterval() bool
}

// Manager runs registered jobs until Stop
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to parent
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job. Jobs registered after Start are ignored.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		logger.WarnCtx(m.ctx, "job %s registered after start, ignoring", job.Name())
		return
	}
	m.jobs = append(m.jobs, job)
}

// Start launches every registered job
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	for _, job := range jobs {
		m.wg.Add(1)
		go m.runJob(job)
	}
}

// Stop signals all jobs to stop
func (m *Manager) Stop() {
	m.cancel()
}

// Wait blocks until all jobs exit
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runJob(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	if aligned, ok := job.(AlignedJob); ok && aligned.AlignToInterval() {
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		logger.InfoCtx(m.ctx, "job %s first runs at %s (in %v)", job.Name(), next.Format("15:04:05"), next.Sub(now))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	m.executeJob(job)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.executeJob(job)
		}
	}
}

func (m *Manager) executeJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(m.ctx, "background job %s panicked: %v\n%s", job.Name(), r, debug.Stack())
		}
	}()
	if err := job.Run(m.ctx); err != nil {
		logger.WarnCtx(m.ctx, "background job %s failed: %v", job.Name(), err)
	}
}
