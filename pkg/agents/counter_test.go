package agents_test

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/meshforge/pkg/agents"
	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/engine"
	"github.com/Mindburn-Labs/meshforge/pkg/store"
)

func TestCounterIncrement(t *testing.T) {
	c := agents.NewCounter()

	cmd := testCommand("c1", "cmd.counter.increment", "k1", nil)
	evt := receiveOne(t, c, cmd, "evt.counter.incremented")
	if evt.ID != "evt-c1" {
		t.Errorf("event id = %q, want evt-c1", evt.ID)
	}
	if evt.IdempotencyKey != "k1" {
		t.Errorf("event key = %q, must reuse the trigger key", evt.IdempotencyKey)
	}
	if evt.CausationID != "c1" {
		t.Errorf("causation id = %q", evt.CausationID)
	}
	if got := evt.Payload["count"]; got != int64(1) {
		t.Errorf("count payload = %v, want 1", got)
	}

	apply(t, c, evt)
	state := c.State()
	if state.Version != 1 {
		t.Errorf("version = %d, want 1", state.Version)
	}
	if got := state.Data["count"]; got != int64(1) {
		t.Errorf("state count = %v, want 1", got)
	}
	if state.LastProcessedEventID != "evt-c1" {
		t.Errorf("last processed = %q", state.LastProcessedEventID)
	}
	if state.UpdatedAt != cmd.TS {
		t.Errorf("updated at = %d, want trigger ts %d", state.UpdatedAt, cmd.TS)
	}

	// The next decision sees the applied state.
	next := receiveOne(t, c, testCommand("c2", "cmd.increment", "k2", nil), "evt.counter.incremented")
	if got := next.Payload["count"]; got != int64(2) {
		t.Errorf("second count payload = %v, want 2", got)
	}
}

func TestCounterIgnoresForeignTypes(t *testing.T) {
	c := agents.NewCounter()

	outs, err := c.Receive(context.Background(), testCommand("c1", "cmd.order.create", "k1", nil))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(outs) != 0 {
		t.Fatalf("foreign command produced %d outputs", len(outs))
	}

	foreign := testCommand("e1", "evt.order.created", "k2", nil)
	apply(t, c, foreign)
	if got := c.State().Version; got != 0 {
		t.Fatalf("version = %d after foreign apply, want 0", got)
	}
}

// Applied counts come from the event payload, not from re-running the
// decision, so a replayed log lands on the same number even when events
// arrive more than once decoded from JSON.
func TestCounterAppliesPayloadCount(t *testing.T) {
	c := agents.NewCounter()

	evt := testCommand("e9", "evt.counter.incremented", "k9", map[string]any{"count": float64(7)})
	apply(t, c, evt)
	if got := c.State().Data["count"]; got != int64(7) {
		t.Fatalf("state count = %v, want 7 from payload", got)
	}
}

func TestCounterThroughEngine(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	b := bus.NewInMemoryBus()
	eng := engine.New("counter", "t", "w", agents.NewCounter(), st, b)

	cmd := testCommand("c1", "cmd.counter.increment", "k1", nil)
	if _, err := eng.ProcessEvent(ctx, cmd); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	// Redelivery is answered from the store without a second apply.
	out, err := eng.ProcessEvent(ctx, cmd)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(out) != 1 || out[0].Type != "evt.counter.incremented" {
		t.Fatalf("redelivered outputs = %+v", out)
	}
	if got := eng.State().Data["count"]; got != int64(1) {
		t.Fatalf("count = %v, want 1", got)
	}

	hashBefore, err := eng.StateHash()
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}

	eng2 := engine.New("counter", "t", "w", agents.NewCounter(), st, bus.NewInMemoryBus())
	if err := eng2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	hashAfter, err := eng2.StateHash()
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}
	if hashBefore != hashAfter {
		t.Fatalf("state hash diverged across recovery: %s != %s", hashBefore, hashAfter)
	}
}
