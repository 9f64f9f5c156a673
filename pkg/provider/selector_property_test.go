package provider

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_SelectionIsDeterministic tests that the flag precedence is a pure function.
//
// Property: for any combination of boolean flags without an explicit backend,
// the selection equals the highest-precedence flag that is set.
func TestProperty_SelectionIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("highest precedence flag wins", prop.ForAll(
		func(inside, forceProcess, forceCluster bool) bool {
			f := Flags{InsideWorker: inside, ForceProcess: forceProcess, ForceCluster: forceCluster}
			got, err := SelectBackend(f)
			if err != nil {
				return false
			}
			again, _ := SelectBackend(f)
			if got != again {
				return false
			}
			switch {
			case inside || forceProcess:
				return got == "process"
			case forceCluster:
				return got == "cluster"
			default:
				return got == "docker"
			}
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("unknown explicit backends always fail", prop.ForAll(
		func(name string) bool {
			if name == "" || name == "process" || name == "docker" || name == "cluster" {
				return true
			}
			_, err := SelectBackend(Flags{Backend: name})
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
