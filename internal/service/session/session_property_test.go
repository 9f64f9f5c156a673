package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"appforge/internal/model"
)

// TestProperty_OperatorsSeeEveryLineInOrder tests the replay handoff.
//
// Property: however many lines the worker emits and whenever a second
// operator joins, both operators observe exactly the emitted lines, in
// emission order, with no gaps and no duplicates between replay and live.
func TestProperty_OperatorsSeeEveryLineInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("replay plus live is the full ordered stream", prop.ForAll(
		func(lines, joinAt int) bool {
			if joinAt > lines {
				joinAt = lines
			}
			h := newTestManager(nil)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = h.m.Shutdown(ctx)
			}()

			got, err := runStream(h, lines, joinAt)
			if err != nil {
				t.Log(err)
				return false
			}
			for _, seen := range got {
				if len(seen) != lines {
					return false
				}
				for i, l := range seen {
					if l != fmt.Sprintf("line-%d", i) {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func runStream(h *harness, lines, joinAt int) ([][]string, error) {
	ctx := context.Background()
	const id = "p"
	if _, err := h.m.Open(ctx, &model.OpenSessionRequest{RequestID: id}); err != nil {
		return nil, err
	}
	if !waitUntil(func() bool {
		snap, err := h.m.Snapshot(ctx, id)
		return err == nil && snap.WorkerHandle != ""
	}) {
		return nil, fmt.Errorf("worker never spawned")
	}

	first, err := h.m.AttachOperator(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := h.m.AttachWorker(ctx, id, h.m.workerToken(id))
	if err != nil {
		return nil, err
	}
	h.deliver(w, `{"type":"ready","request_id":"`+id+`"}`)

	var second *Peer
	for i := 0; i < lines; i++ {
		if i == joinAt {
			if second, err = h.m.AttachOperator(ctx, id); err != nil {
				return nil, err
			}
		}
		h.deliver(w, fmt.Sprintf(`{"type":"log","line":"line-%d"}`, i))
	}
	if second == nil {
		if second, err = h.m.AttachOperator(ctx, id); err != nil {
			return nil, err
		}
	}
	// every delivery above is applied before the snapshot runs
	if _, err := h.m.Snapshot(ctx, id); err != nil {
		return nil, err
	}

	out := make([][]string, 0, 2)
	for _, p := range []*Peer{first, second} {
		raw := append(p.TakeReplay(), drain(p)...)
		var seen []string
		for _, r := range raw {
			var m wireMsg
			if err := json.Unmarshal(r, &m); err != nil {
				return nil, err
			}
			if m.Type == "log" {
				seen = append(seen, m.Line)
			}
		}
		out = append(out, seen)
	}
	return out, nil
}

func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
