// Package adapter defines the contract between the runtime engine and the
// pluggable decision components it drives.
//
// Adapters are pure relative to their own state: Receive and Tick compute
// outputs without touching stores, buses, wall clocks, or random sources;
// Apply is the only place state mutates, and the engine calls it exactly
// once per persisted event, in store order, both live and during recovery.
package adapter

import (
	"context"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// HealthStatus reports an adapter's ability to take traffic.
type HealthStatus string

const (
	HealthReady    HealthStatus = "READY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthFailed   HealthStatus = "FAILED"
)

// AgentState is the snapshot an adapter exposes to the engine. It must be
// stable-JSON-serializable so a SHA-256 over its canonical form yields a
// deterministic state hash.
//
// UpdatedAt is unix milliseconds and must derive from envelope timestamps,
// never from the wall clock, or replayed state would hash differently.
type AgentState struct {
	Version              int64            `json:"version"`
	EntityVersions       map[string]int64 `json:"entity_versions"`
	Data                 map[string]any   `json:"data"`
	LastProcessedEventID string           `json:"last_processed_event_id"`
	UpdatedAt            int64            `json:"updated_at"`
}

// NewAgentState returns an empty state with allocated maps.
func NewAgentState() AgentState {
	return AgentState{
		EntityVersions: make(map[string]int64),
		Data:           make(map[string]any),
	}
}

// EntityVersion returns the version of an aggregate, 0 when absent.
func (s AgentState) EntityVersion(entityID string) int64 {
	return s.EntityVersions[entityID]
}

// Clone returns a deep copy of the snapshot.
func (s AgentState) Clone() AgentState {
	cp := s
	cp.EntityVersions = make(map[string]int64, len(s.EntityVersions))
	for k, v := range s.EntityVersions {
		cp.EntityVersions[k] = v
	}
	cp.Data = cloneMap(s.Data)
	return cp
}

// Adapter is the pure decision component wrapped by an engine.
//
//   - Receive decides: it maps one input envelope to output envelopes and
//     must not mutate state, persist, or publish.
//   - Apply mutates state from an already-committed event; deterministic.
//     Recovery replays every stored envelope in scope, including synthesized
//     conflict and violation records, so Apply must ignore types the
//     adapter does not own.
//   - Tick produces time-triggered outputs (timeouts, lease expiry) for the
//     runtime's notion of now; the resulting mutation still goes through
//     Apply after persistence.
//   - State returns a read-only deep snapshot.
//   - Health reports readiness.
type Adapter interface {
	Receive(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error)
	Apply(ctx context.Context, env *envelope.Envelope) error
	Tick(ctx context.Context, nowMS int64) ([]*envelope.Envelope, error)
	State() AgentState
	Health() HealthStatus
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneMapValue(v)
	}
	return out
}

func cloneMapValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneMapValue(x)
		}
		return out
	default:
		return v
	}
}
