package agents

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// DefaultLeaseMS is the lock lease applied when a command carries no ttl_ms.
const DefaultLeaseMS = 5000

type lockState struct {
	OwnerID    string
	ExpiresAt  int64
	AcquiredAt int64
}

// LockManager grants cooperative leases on named resources. Leases expire
// on logical time: command handling uses the trigger's timestamp and Tick
// uses the engine clock, so replaying the same log always reaches the same
// ownership table.
//
// Commands are cmd.lock.acquire, cmd.lock.release and cmd.lock.refresh;
// expiry is detected by Tick, which emits evt.lock.expired for each lapsed
// lease. Acquiring a resource you already hold extends the lease.
type LockManager struct {
	locks         map[string]lockState
	version       int64
	lastProcessed string
	updatedAt     int64
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lockState)}
}

func (l *LockManager) Receive(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	verb, ok := lockVerb(env.Type)
	if !ok {
		return nil, nil
	}

	resource, _ := env.Payload["resource_id"].(string)
	owner, _ := env.Payload["owner_id"].(string)
	if resource == "" || owner == "" {
		return nil, nil
	}

	now := env.TS
	ttl := int64(DefaultLeaseMS)
	if n, ok := asInt64(env.Payload["ttl_ms"]); ok && n > 0 {
		ttl = n
	}

	switch verb {
	case "acquire":
		return l.handleAcquire(env, resource, owner, now, ttl), nil
	case "release":
		return l.handleRelease(env, resource, owner), nil
	case "refresh":
		return l.handleRefresh(env, resource, owner, now, ttl), nil
	}
	return nil, nil
}

func lockVerb(typ string) (string, bool) {
	rest, ok := strings.CutPrefix(typ, "cmd.lock.")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return "", false
	}
	return rest, true
}

func (l *LockManager) handleAcquire(env *envelope.Envelope, resource, owner string, now, ttl int64) []*envelope.Envelope {
	current, held := l.locks[resource]
	if held && current.ExpiresAt > now {
		if current.OwnerID == owner {
			return []*envelope.Envelope{l.event(env, "acquired", resource, map[string]any{
				"resource_id": resource,
				"owner_id":    owner,
				"expires_at":  now + ttl,
			})}
		}
		return []*envelope.Envelope{l.event(env, "denied", resource, map[string]any{
			"resource_id":   resource,
			"requested_by":  owner,
			"current_owner": current.OwnerID,
			"reason":        "already locked by another owner",
		})}
	}

	return []*envelope.Envelope{l.event(env, "acquired", resource, map[string]any{
		"resource_id": resource,
		"owner_id":    owner,
		"expires_at":  now + ttl,
	})}
}

// handleRelease confirms releases of absent locks so retried releases
// stay safe.
func (l *LockManager) handleRelease(env *envelope.Envelope, resource, owner string) []*envelope.Envelope {
	current, held := l.locks[resource]
	if held && current.OwnerID != owner {
		return []*envelope.Envelope{l.event(env, "denied", resource, map[string]any{
			"resource_id":   resource,
			"requested_by":  owner,
			"current_owner": current.OwnerID,
			"reason":        "cannot release lock owned by another",
		})}
	}
	return []*envelope.Envelope{l.event(env, "released", resource, map[string]any{
		"resource_id": resource,
		"owner_id":    owner,
	})}
}

func (l *LockManager) handleRefresh(env *envelope.Envelope, resource, owner string, now, ttl int64) []*envelope.Envelope {
	current, held := l.locks[resource]
	if !held || current.ExpiresAt <= now {
		return []*envelope.Envelope{l.event(env, "denied", resource, map[string]any{
			"resource_id":  resource,
			"requested_by": owner,
			"reason":       "lock not held or expired",
		})}
	}
	if current.OwnerID != owner {
		return []*envelope.Envelope{l.event(env, "denied", resource, map[string]any{
			"resource_id":   resource,
			"requested_by":  owner,
			"current_owner": current.OwnerID,
			"reason":        "lock held by another owner",
		})}
	}
	return []*envelope.Envelope{l.event(env, "refreshed", resource, map[string]any{
		"resource_id": resource,
		"owner_id":    owner,
		"expires_at":  now + ttl,
	})}
}

// Tick reports every lease that lapsed at or before now. The ownership
// table itself only changes when the expired events come back through
// Apply. Resources are visited in sorted order so the emitted batch is
// deterministic.
func (l *LockManager) Tick(_ context.Context, nowMS int64) ([]*envelope.Envelope, error) {
	resources := make([]string, 0, len(l.locks))
	for resource, lock := range l.locks {
		if lock.ExpiresAt <= nowMS {
			resources = append(resources, resource)
		}
	}
	sort.Strings(resources)

	outputs := make([]*envelope.Envelope, 0, len(resources))
	for _, resource := range resources {
		stamp := strconv.FormatInt(nowMS, 10)
		outputs = append(outputs, &envelope.Envelope{
			ID:             "evt-expired-" + resource + "-" + stamp,
			TS:             nowMS,
			Type:           "evt.lock.expired",
			Actor:          envelope.Actor{ID: "system", Role: "lock_manager"},
			Source:         envelope.Source{Agent: "lock", Adapter: "system"},
			SecurityContext: envelope.SecurityContext{
				PrincipalID:   "system",
				PrincipalType: envelope.PrincipalSystem,
			},
			IdempotencyKey: "lock-expired-" + resource + "-" + stamp,
			EntityID:       resource,
			Payload:        map[string]any{"resource_id": resource},
		})
	}
	return outputs, nil
}

func (l *LockManager) Apply(_ context.Context, env *envelope.Envelope) error {
	suffix, ok := strings.CutPrefix(env.Type, "evt.lock.")
	if !ok {
		return nil
	}

	resource, _ := env.Payload["resource_id"].(string)
	switch suffix {
	case "acquired":
		if resource == "" {
			return nil
		}
		owner, _ := env.Payload["owner_id"].(string)
		expires, _ := asInt64(env.Payload["expires_at"])
		acquiredAt := env.TS
		if prev, held := l.locks[resource]; held && prev.OwnerID == owner {
			acquiredAt = prev.AcquiredAt
		}
		l.locks[resource] = lockState{OwnerID: owner, ExpiresAt: expires, AcquiredAt: acquiredAt}
	case "refreshed":
		if resource == "" {
			return nil
		}
		owner, _ := env.Payload["owner_id"].(string)
		expires, _ := asInt64(env.Payload["expires_at"])
		acquiredAt := env.TS
		if prev, held := l.locks[resource]; held {
			acquiredAt = prev.AcquiredAt
		}
		l.locks[resource] = lockState{OwnerID: owner, ExpiresAt: expires, AcquiredAt: acquiredAt}
	case "released", "expired":
		if resource == "" {
			return nil
		}
		delete(l.locks, resource)
	case "denied":
		// Bookkeeping only.
	default:
		return nil
	}

	l.version++
	l.lastProcessed = env.ID
	l.updatedAt = env.TS
	return nil
}

func (l *LockManager) State() adapter.AgentState {
	held := make([]any, 0, len(l.locks))
	resources := make([]string, 0, len(l.locks))
	for resource := range l.locks {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	for _, resource := range resources {
		lock := l.locks[resource]
		held = append(held, map[string]any{
			"resource_id": resource,
			"owner_id":    lock.OwnerID,
			"expires_at":  lock.ExpiresAt,
			"acquired_at": lock.AcquiredAt,
		})
	}
	return adapter.AgentState{
		Version:              l.version,
		EntityVersions:       map[string]int64{},
		Data:                 map[string]any{"locks": held, "count": int64(len(resources))},
		LastProcessedEventID: l.lastProcessed,
		UpdatedAt:            l.updatedAt,
	}
}

func (l *LockManager) Health() adapter.HealthStatus { return adapter.HealthReady }

func (l *LockManager) event(trigger *envelope.Envelope, suffix, resource string, payload map[string]any) *envelope.Envelope {
	return &envelope.Envelope{
		ID:              "evt-" + trigger.ID + "-" + suffix,
		TS:              trigger.TS,
		Type:            "evt.lock." + suffix,
		TraceID:         trigger.TraceID,
		SpanID:          trigger.SpanID,
		Tenant:          trigger.Tenant,
		Workspace:       trigger.Workspace,
		Actor:           trigger.Actor,
		Source:          envelope.Source{Agent: "lock", Adapter: "system"},
		SecurityContext: trigger.SecurityContext,
		IdempotencyKey:  trigger.IdempotencyKey,
		CausationID:     trigger.ID,
		CorrelationID:   trigger.CorrelationID,
		EntityID:        resource,
		Payload:         payload,
	}
}
