// Package config provides property-based tests for configuration defaults.
package config

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_NonPositiveTimingsFallBackToDefaults tests that invalid session timings never survive loading.
//
// Property: for any non-positive spawn/terminate timeout, the loaded config uses a positive
// bounded timeout, so no lifecycle call can run without a deadline.
func TestProperty_NonPositiveTimingsFallBackToDefaults(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("non-positive timeouts are replaced", prop.ForAll(
		func(spawn, terminate, decision int) bool {
			cfg := &Config{Session: SessionConfig{
				SpawnTimeout:     spawn,
				TerminateTimeout: terminate,
				DecisionTimeout:  decision,
			}}
			validateAndApplyDefaults(cfg)
			return cfg.Session.SpawnTimeout == 60 &&
				cfg.Session.TerminateTimeout == 5 &&
				cfg.Session.DecisionTimeout == 300
		},
		gen.IntRange(-1000, 0),
		gen.IntRange(-1000, 0),
		gen.IntRange(-1000, 0),
	))

	properties.Property("positive timeouts are kept", prop.ForAll(
		func(spawn, terminate int) bool {
			cfg := &Config{Session: SessionConfig{SpawnTimeout: spawn, TerminateTimeout: terminate}}
			validateAndApplyDefaults(cfg)
			return cfg.Session.SpawnTimeout == spawn && cfg.Session.TerminateTimeout == terminate
		},
		gen.IntRange(1, 600),
		gen.IntRange(1, 60),
	))

	properties.Property("exhaustion policy is always reject or wait", prop.ForAll(
		func(policy string) bool {
			cfg := &Config{CredentialPool: CredentialPoolConfig{ExhaustionPolicy: policy}}
			validateAndApplyDefaults(cfg)
			p := cfg.CredentialPool.ExhaustionPolicy
			return p == "reject" || p == "wait"
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
