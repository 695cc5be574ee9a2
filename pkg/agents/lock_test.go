package agents_test

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/meshforge/pkg/agents"
	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/engine"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
	"github.com/Mindburn-Labs/meshforge/pkg/store"
)

func lockCmd(id, verb, key string, ts int64, payload map[string]any) *envelope.Envelope {
	cmd := testCommand(id, "cmd.lock."+verb, key, payload)
	cmd.TS = ts
	return cmd
}

func heldLocks(t *testing.T, l *agents.LockManager) []any {
	t.Helper()
	locks, _ := l.State().Data["locks"].([]any)
	return locks
}

func TestLockAcquireAndDeny(t *testing.T) {
	l := agents.NewLockManager()

	evt := receiveOne(t, l, lockCmd("a1", "acquire", "ka1", 1000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
		"ttl_ms":      int64(1000),
	}), "evt.lock.acquired")
	if evt.ID != "evt-a1-acquired" {
		t.Errorf("event id = %q", evt.ID)
	}
	if evt.EntityID != "r1" {
		t.Errorf("entity id = %q, want r1", evt.EntityID)
	}
	if got := evt.Payload["expires_at"]; got != int64(2000) {
		t.Errorf("expires_at = %v, want 2000", got)
	}
	apply(t, l, evt)
	if got := l.State().Data["count"]; got != int64(1) {
		t.Fatalf("lock count = %v, want 1", got)
	}

	// A second owner is denied while the lease holds.
	denied := receiveOne(t, l, lockCmd("a2", "acquire", "ka2", 1500, map[string]any{
		"resource_id": "r1",
		"owner_id":    "bob",
	}), "evt.lock.denied")
	if denied.Payload["current_owner"] != "alice" {
		t.Errorf("denied payload = %v", denied.Payload)
	}
	if denied.Payload["requested_by"] != "bob" {
		t.Errorf("denied payload = %v", denied.Payload)
	}
	apply(t, l, denied)
	if got := l.State().Data["count"]; got != int64(1) {
		t.Fatalf("lock count = %v after denial, want 1", got)
	}

	// The holder re-acquiring extends the lease.
	extended := receiveOne(t, l, lockCmd("a3", "acquire", "ka3", 1500, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
		"ttl_ms":      int64(1000),
	}), "evt.lock.acquired")
	if got := extended.Payload["expires_at"]; got != int64(2500) {
		t.Errorf("extended expires_at = %v, want 2500", got)
	}
}

func TestLockAcquireAfterExpiry(t *testing.T) {
	l := agents.NewLockManager()
	apply(t, l, receiveOne(t, l, lockCmd("a1", "acquire", "ka1", 1000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
		"ttl_ms":      int64(100),
	}), "evt.lock.acquired"))

	// The lease lapsed at 1100; a later acquire by another owner wins.
	evt := receiveOne(t, l, lockCmd("a2", "acquire", "ka2", 5000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "bob",
	}), "evt.lock.acquired")
	if evt.Payload["owner_id"] != "bob" {
		t.Fatalf("payload = %v", evt.Payload)
	}
	if got := evt.Payload["expires_at"]; got != int64(5000+agents.DefaultLeaseMS) {
		t.Fatalf("expires_at = %v, want default lease from command time", got)
	}
}

func TestLockRelease(t *testing.T) {
	l := agents.NewLockManager()
	apply(t, l, receiveOne(t, l, lockCmd("a1", "acquire", "ka1", 1000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
	}), "evt.lock.acquired"))

	denied := receiveOne(t, l, lockCmd("r1", "release", "kr1", 1100, map[string]any{
		"resource_id": "r1",
		"owner_id":    "bob",
	}), "evt.lock.denied")
	if denied.Payload["current_owner"] != "alice" {
		t.Errorf("denied payload = %v", denied.Payload)
	}

	released := receiveOne(t, l, lockCmd("r2", "release", "kr2", 1200, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
	}), "evt.lock.released")
	apply(t, l, released)
	if got := l.State().Data["count"]; got != int64(0) {
		t.Fatalf("lock count = %v after release, want 0", got)
	}

	// Releasing an absent lock still confirms.
	receiveOne(t, l, lockCmd("r3", "release", "kr3", 1300, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
	}), "evt.lock.released")
}

func TestLockRefresh(t *testing.T) {
	l := agents.NewLockManager()

	absent := receiveOne(t, l, lockCmd("f0", "refresh", "kf0", 1000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
	}), "evt.lock.denied")
	if absent.Payload["reason"] != "lock not held or expired" {
		t.Errorf("reason = %v", absent.Payload["reason"])
	}

	apply(t, l, receiveOne(t, l, lockCmd("a1", "acquire", "ka1", 1000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
		"ttl_ms":      int64(500),
	}), "evt.lock.acquired"))

	wrongOwner := receiveOne(t, l, lockCmd("f1", "refresh", "kf1", 1200, map[string]any{
		"resource_id": "r1",
		"owner_id":    "bob",
	}), "evt.lock.denied")
	if wrongOwner.Payload["reason"] != "lock held by another owner" {
		t.Errorf("reason = %v", wrongOwner.Payload["reason"])
	}

	refreshed := receiveOne(t, l, lockCmd("f2", "refresh", "kf2", 1400, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
		"ttl_ms":      int64(1000),
	}), "evt.lock.refreshed")
	if got := refreshed.Payload["expires_at"]; got != int64(2400) {
		t.Fatalf("refreshed expires_at = %v, want 2400", got)
	}

	// Refreshing keeps the original acquisition time.
	apply(t, l, refreshed)
	locks := heldLocks(t, l)
	if len(locks) != 1 {
		t.Fatalf("locks = %v", locks)
	}
	lock, _ := locks[0].(map[string]any)
	if lock["acquired_at"] != int64(1000) {
		t.Errorf("acquired_at = %v, want 1000", lock["acquired_at"])
	}
	if lock["expires_at"] != int64(2400) {
		t.Errorf("expires_at = %v, want 2400", lock["expires_at"])
	}

	// After the lease lapses the refresh is denied.
	lateRefresh := receiveOne(t, l, lockCmd("f3", "refresh", "kf3", 9000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
	}), "evt.lock.denied")
	if lateRefresh.Payload["reason"] != "lock not held or expired" {
		t.Errorf("reason = %v", lateRefresh.Payload["reason"])
	}
}

func TestLockIgnoresIncompleteCommands(t *testing.T) {
	l := agents.NewLockManager()
	for _, payload := range []map[string]any{
		{},
		{"resource_id": "r1"},
		{"owner_id": "alice"},
	} {
		outs, err := l.Receive(context.Background(), lockCmd("x", "acquire", "kx", 1000, payload))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if len(outs) != 0 {
			t.Fatalf("incomplete command produced %d outputs", len(outs))
		}
	}

	outs, err := l.Receive(context.Background(), testCommand("x2", "cmd.other.acquire", "kx2", nil))
	if err != nil || len(outs) != 0 {
		t.Fatalf("foreign command: outs=%v err=%v", outs, err)
	}
}

func TestLockTickExpiryOrder(t *testing.T) {
	l := agents.NewLockManager()
	for _, resource := range []string{"r-b", "r-a"} {
		apply(t, l, &envelope.Envelope{
			ID:        "seed-" + resource,
			TS:        100,
			Type:      "evt.lock.acquired",
			Tenant:    "t",
			Workspace: "w",
			Payload: map[string]any{
				"resource_id": resource,
				"owner_id":    "alice",
				"expires_at":  int64(150),
			},
		})
	}

	outs, err := l.Tick(context.Background(), 200)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("tick outputs = %d, want 2", len(outs))
	}
	if outs[0].EntityID != "r-a" || outs[1].EntityID != "r-b" {
		t.Fatalf("tick order = [%s %s], want sorted resources", outs[0].EntityID, outs[1].EntityID)
	}
	if outs[0].ID != "evt-expired-r-a-200" {
		t.Errorf("expired id = %q", outs[0].ID)
	}
	if outs[0].Type != "evt.lock.expired" {
		t.Errorf("expired type = %q", outs[0].Type)
	}

	// Unexpired leases stay quiet.
	quiet, err := l.Tick(context.Background(), 120)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(quiet) != 0 {
		t.Fatalf("early tick outputs = %d, want 0", len(quiet))
	}
}

func TestLockExpiryThroughEngine(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	b := bus.NewInMemoryBus()

	now := int64(1000)
	eng := engine.New("lock", "t", "w", agents.NewLockManager(), st, b,
		engine.WithClock(func() int64 { return now }))

	cmd := lockCmd("a1", "acquire", "ka1", 1000, map[string]any{
		"resource_id": "r1",
		"owner_id":    "alice",
		"ttl_ms":      int64(500),
	})
	if _, err := eng.ProcessEvent(ctx, cmd); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	// Before the lease lapses a tick changes nothing.
	if err := eng.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := eng.State().Data["count"]; got != int64(1) {
		t.Fatalf("lock count = %v, want 1", got)
	}

	now = 2000
	if err := eng.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := eng.State().Data["count"]; got != int64(0) {
		t.Fatalf("lock count = %v after expiry, want 0", got)
	}

	var expired *envelope.Envelope
	for _, env := range b.Published() {
		if env.Type == "evt.lock.expired" {
			expired = env
		}
	}
	if expired == nil {
		t.Fatalf("no evt.lock.expired on the bus: %+v", b.Published())
	}
	if expired.Tenant != "t" || expired.Workspace != "w" {
		t.Fatalf("expired scope = %s/%s, want engine scope", expired.Tenant, expired.Workspace)
	}
	if expired.EntityID != "r1" {
		t.Fatalf("expired entity = %q", expired.EntityID)
	}

	// A later tick finds nothing left to expire.
	if err := eng.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	count := 0
	for _, env := range b.Published() {
		if env.Type == "evt.lock.expired" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expired events on bus = %d, want 1", count)
	}

	// Replay rebuilds the same ownership table.
	eng2 := engine.New("lock", "t", "w", agents.NewLockManager(), st, bus.NewInMemoryBus())
	if err := eng2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	h1, err := eng.StateHash()
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}
	h2, err := eng2.StateHash()
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("state hash diverged across recovery: %s != %s", h1, h2)
	}
}
