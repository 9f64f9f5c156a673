package credential

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"appforge/pkg/config"
)

// TestProperty_LeaseExclusivity tests the pool's one-holder-per-entry rule.
//
// Property: when n requests race for a pool of k entries, exactly min(n, k)
// succeed, no entry is granted to two requests, and after every holder
// releases, a fresh round of leases succeeds again.
func TestProperty_LeaseExclusivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("entries are never double-leased", prop.ForAll(
		func(entries, requests int) bool {
			ctx := context.Background()
			pool := NewPool(newMemStore(entries), config.CredentialPoolConfig{}, nil, nil)

			var (
				mu      sync.Mutex
				holders = map[int64]string{}
				granted []string
				wg      sync.WaitGroup
				dup     bool
			)
			for i := 0; i < requests; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					lease, err := pool.Lease(ctx, id)
					if err != nil {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if _, taken := holders[lease.EntryID]; taken {
						dup = true
					}
					holders[lease.EntryID] = id
					granted = append(granted, id)
				}(fmt.Sprintf("req-%d", i))
			}
			wg.Wait()

			want := requests
			if entries < want {
				want = entries
			}
			if dup || len(granted) != want {
				return false
			}

			for _, id := range granted {
				if err := pool.Release(ctx, id); err != nil {
					return false
				}
			}
			for i := 0; i < want; i++ {
				if _, err := pool.Lease(ctx, fmt.Sprintf("again-%d", i)); err != nil {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
