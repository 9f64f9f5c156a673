package interfaces

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// WorkerLifecycle is the capability every worker backend provides.
// Process, container and cluster backends are interchangeable behind it.
type WorkerLifecycle interface {
	// Name returns the backend name (process, docker, cluster).
	Name() string

	// Spawn starts a worker. It returns once the backend has accepted the
	// worker; the worker then reaches running and a terminal state, or Spawn
	// fails with *orcherr.SpawnError.
	Spawn(ctx context.Context, cfg *WorkerSpawnConfig) (WorkerHandle, error)

	// Terminate stops the worker and releases its runtime resources.
	// Unknown handles fail with orcherr.ErrNotFound; repeated calls succeed.
	Terminate(ctx context.Context, handle WorkerHandle) error

	// Status returns the latest known status.
	Status(ctx context.Context, handle WorkerHandle) (*WorkerStatus, error)

	// Events streams lifecycle transitions until the worker is terminal or ctx is done.
	// The channel is closed in both cases.
	Events(ctx context.Context, handle WorkerHandle) (<-chan LifecycleEvent, error)
}

// WorkerSpawnConfig is immutable once built; backends must not modify it.
type WorkerSpawnConfig struct {
	RequestID     string
	UserID        string
	Prompt        string
	Mode          string
	MaxIterations int

	// Env is the full injected environment: request contract variables and credentials.
	Env map[string]string

	Image      string // container and cluster backends
	Executable string // process backend
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (c *WorkerSpawnConfig) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// WorkerHandle identifies a spawned worker on a backend.
type WorkerHandle struct {
	Backend string `json:"backend"`
	ID      string `json:"id"` // pid, container id, task ARN or pod name
}

// String encodes the handle as backend/id for persistence.
func (h WorkerHandle) String() string {
	if h.ID == "" {
		return ""
	}
	return h.Backend + "/" + h.ID
}

// IsZero reports whether the handle is unset.
func (h WorkerHandle) IsZero() bool {
	return h.ID == ""
}

// ParseWorkerHandle decodes a handle produced by WorkerHandle.String.
func ParseWorkerHandle(s string) (WorkerHandle, error) {
	backend, id, ok := strings.Cut(s, "/")
	if !ok || backend == "" || id == "" {
		return WorkerHandle{}, fmt.Errorf("invalid worker handle %q", s)
	}
	return WorkerHandle{Backend: backend, ID: id}, nil
}

// WorkerState worker lifecycle state
type WorkerState string

const (
	WorkerPending  WorkerState = "pending"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopped  WorkerState = "stopped"
	WorkerFailed   WorkerState = "failed"
)

// IsTerminal reports whether no further transitions happen from s.
func (s WorkerState) IsTerminal() bool {
	return s == WorkerStopped || s == WorkerFailed
}

// WorkerStatus is owned by the backend; callers get copies.
type WorkerStatus struct {
	Handle     WorkerHandle `json:"handle"`
	State      WorkerState  `json:"state"`
	ExitCode   *int         `json:"exitCode,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
}

// LifecycleEventType lifecycle transition kind
type LifecycleEventType string

const (
	EventStarted LifecycleEventType = "started"
	EventExited  LifecycleEventType = "exited"
	EventCrashed LifecycleEventType = "crashed"
)

// LifecycleEvent is one transition of a worker.
type LifecycleEvent struct {
	Handle   WorkerHandle
	Type     LifecycleEventType
	ExitCode int
	Reason   string
	At       time.Time
}
