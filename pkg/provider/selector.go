package provider

import (
	"strings"

	"appforge/pkg/config"
	"appforge/pkg/orcherr"
)

// Flags are the backend selection switches.
type Flags struct {
	InsideWorker bool   // running inside a worker: always Process
	ForceProcess bool   // force Process orchestrator
	ForceCluster bool   // force Remote-Cluster orchestrator
	Backend      string // explicit backend name, optional
}

// FlagsFromConfig extracts selection flags from configuration.
func FlagsFromConfig(cfg *config.Config) Flags {
	o := cfg.Orchestrator
	return Flags{
		InsideWorker: o.InsideWorker,
		ForceProcess: o.ForceProcess,
		ForceCluster: o.ForceCluster,
		Backend:      strings.ToLower(strings.TrimSpace(o.Backend)),
	}
}

// SelectBackend decides the worker backend. Precedence, highest first:
// inside-worker, force-process, force-cluster, default docker. An explicit
// backend name must be known and must agree with any force flag that applies.
func SelectBackend(f Flags) (string, error) {
	if f.Backend != "" {
		switch f.Backend {
		case config.BackendProcess, config.BackendDocker, config.BackendCluster:
		default:
			return "", orcherr.NewConfigurationError(
				"unknown orchestrator backend %q (expected process, docker or cluster)", f.Backend)
		}
	}

	forced := ""
	switch {
	case f.InsideWorker:
		forced = config.BackendProcess
	case f.ForceProcess:
		forced = config.BackendProcess
	case f.ForceCluster:
		forced = config.BackendCluster
	}

	switch {
	case forced != "" && f.Backend != "" && f.Backend != forced:
		return "", orcherr.NewConfigurationError(
			"orchestrator backend %q contradicts force flags selecting %q", f.Backend, forced)
	case forced != "":
		return forced, nil
	case f.Backend != "":
		return f.Backend, nil
	default:
		return config.BackendDocker, nil
	}
}
