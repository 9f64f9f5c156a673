// Package metrics builds the tally scope and the orchestrator's named instruments.
package metrics

import (
	"io"
	"time"

	tally "github.com/uber-go/tally/v4"

	"appforge/pkg/config"
)

// NewRootScope creates the process root scope. Close the returned closer on shutdown.
func NewRootScope(cfg config.MetricsConfig) (tally.Scope, io.Closer) {
	interval := config.Seconds(cfg.ReportInterval)
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix: cfg.Prefix,
		Tags: map[string]string{
			"service": "appforge-orchestrator",
		},
	}, interval)
}

// Recorder records orchestrator metrics on a scope.
type Recorder struct {
	scope tally.Scope
}

// NewRecorder wraps scope. A nil scope records nothing.
func NewRecorder(scope tally.Scope) *Recorder {
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Recorder{scope: scope}
}

// Scope returns the underlying scope.
func (r *Recorder) Scope() tally.Scope {
	return r.scope
}

func (r *Recorder) SessionOpened() {
	r.scope.Counter("sessions_opened").Inc(1)
}

func (r *Recorder) SessionTerminal(phase string) {
	r.scope.Tagged(map[string]string{"phase": phase}).Counter("sessions_terminal").Inc(1)
}

func (r *Recorder) ActiveSessions(n int) {
	r.scope.Gauge("sessions_active").Update(float64(n))
}

func (r *Recorder) ProtocolDropped(reason string) {
	r.scope.Tagged(map[string]string{"reason": reason}).Counter("protocol_dropped").Inc(1)
}

func (r *Recorder) SpawnAttempt(backend string) {
	r.scope.Tagged(map[string]string{"backend": backend}).Counter("spawn_attempts").Inc(1)
}

func (r *Recorder) SpawnFailure(kind string) {
	r.scope.Tagged(map[string]string{"kind": kind}).Counter("spawn_failures").Inc(1)
}

func (r *Recorder) SpawnLatency(d time.Duration) {
	r.scope.Timer("spawn_latency").Record(d)
}

func (r *Recorder) TerminateFailure() {
	r.scope.Counter("terminate_failures").Inc(1)
}

// PoolLease counts lease outcomes: leased, byot, exhausted, provisioned.
func (r *Recorder) PoolLease(outcome string) {
	r.scope.Tagged(map[string]string{"outcome": outcome}).Counter("pool_leases").Inc(1)
}

func (r *Recorder) DecisionTimeout() {
	r.scope.Counter("decision_timeouts").Inc(1)
}

func (r *Recorder) OperatorEvicted() {
	r.scope.Counter("operators_evicted").Inc(1)
}
