package agents

import (
	"context"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// Counter is the reference adapter: cmd.increment (or
// cmd.counter.increment when routed by agent name) bumps a single
// counter via evt.counter.incremented.
type Counter struct {
	count         int64
	version       int64
	entityVers    map[string]int64
	lastProcessed string
	updatedAt     int64
}

// NewCounter returns a counter at zero.
func NewCounter() *Counter {
	return &Counter{entityVers: make(map[string]int64)}
}

func (c *Counter) Receive(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	if env.Type != "cmd.increment" && env.Type != "cmd.counter.increment" {
		return nil, nil
	}

	return []*envelope.Envelope{{
		ID:              "evt-" + env.ID,
		TS:              env.TS,
		Type:            "evt.counter.incremented",
		TraceID:         env.TraceID,
		SpanID:          env.SpanID,
		Tenant:          env.Tenant,
		Workspace:       env.Workspace,
		Actor:           env.Actor,
		Source:          envelope.Source{Agent: "counter", Adapter: "system"},
		SecurityContext: env.SecurityContext,
		// The trigger's key travels on the output so a redelivered
		// command finds it in the store.
		IdempotencyKey: env.IdempotencyKey,
		CausationID:    env.ID,
		CorrelationID:  env.CorrelationID,
		EntityID:       env.EntityID,
		Payload:        map[string]any{"count": c.count + 1},
	}}, nil
}

func (c *Counter) Apply(_ context.Context, env *envelope.Envelope) error {
	if env.Type != "evt.counter.incremented" {
		return nil
	}
	if n, ok := asInt64(env.Payload["count"]); ok {
		c.count = n
	}
	c.version++
	if env.EntityID != "" {
		c.entityVers[env.EntityID]++
	}
	c.lastProcessed = env.ID
	c.updatedAt = env.TS
	return nil
}

func (c *Counter) Tick(context.Context, int64) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (c *Counter) State() adapter.AgentState {
	vers := make(map[string]int64, len(c.entityVers))
	for k, v := range c.entityVers {
		vers[k] = v
	}
	return adapter.AgentState{
		Version:              c.version,
		EntityVersions:       vers,
		Data:                 map[string]any{"count": c.count},
		LastProcessedEventID: c.lastProcessed,
		UpdatedAt:            c.updatedAt,
	}
}

func (c *Counter) Health() adapter.HealthStatus { return adapter.HealthReady }
