// Package envelope defines the event envelope, the only message type on
// the wire, together with its identifier and validation rules.
//
// An envelope is immutable once created: the engine persists the bytes it
// received and replay uses the stored bytes. Producing sides emit canonical
// JSON (RFC 8785, keys sorted); consuming sides are lenient and ignore
// unknown fields.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/meshforge/pkg/canonical"
)

// DefaultSchemaVersion is stamped on envelopes that do not set one.
const DefaultSchemaVersion = "1.0"

// Accepted principal types for SecurityContext.PrincipalType.
const (
	PrincipalService = "service"
	PrincipalAgent   = "agent"
	PrincipalUser    = "user"
	PrincipalSystem  = "system"
)

// Actor identifies who requested the action described by an envelope.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Source identifies the agent and adapter that produced an envelope.
type Source struct {
	Agent   string `json:"agent"`
	Adapter string `json:"adapter"`
}

// SecurityContext carries the authenticated principal on whose behalf the
// envelope travels.
type SecurityContext struct {
	PrincipalID   string `json:"principal_id"`
	PrincipalType string `json:"principal_type"`
}

// Envelope is the canonical message record. Commands use type
// "cmd.<agent>.<verb>", events "evt.<domain>.<name>"; the type doubles as
// the routing key.
type Envelope struct {
	ID              string          `json:"id"`
	TS              int64           `json:"ts"` // unix milliseconds, injected by the runtime
	Type            string          `json:"type"`
	SchemaVersion   string          `json:"schema_version"`
	TraceID         string          `json:"trace_id,omitempty"`
	SpanID          string          `json:"span_id,omitempty"`
	Tenant          string          `json:"tenant"`
	Workspace       string          `json:"workspace"`
	Actor           Actor           `json:"actor"`
	Source          Source          `json:"source"`
	SecurityContext SecurityContext `json:"security_context"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Payload         map[string]any  `json:"payload"`
	CausationID     string          `json:"causation_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	ReplyTo         string          `json:"reply_to,omitempty"`
	EntityID        string          `json:"entity_id,omitempty"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

// IsCommand reports whether the envelope routes as a command.
func (e *Envelope) IsCommand() bool {
	return strings.HasPrefix(e.Type, "cmd.")
}

// IsEvent reports whether the envelope broadcasts as an event.
func (e *Envelope) IsEvent() bool {
	return strings.HasPrefix(e.Type, "evt.")
}

// ScopedKey returns the idempotency key scoped to the envelope's tenant
// and workspace. Two requests are "the same" exactly when their scoped
// keys are equal.
func (e *Envelope) ScopedKey() string {
	return e.Tenant + ":" + e.Workspace + ":" + e.IdempotencyKey
}

// Clone returns a deep copy. Stored envelopes are never mutated; engines
// clone before any rewrite.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	cp.Payload = clonePayload(e.Payload)
	if e.ExpectedVersion != nil {
		v := *e.ExpectedVersion
		cp.ExpectedVersion = &v
	}
	return &cp
}

// Encode serializes the envelope to canonical JSON wire bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return canonical.Marshal(e)
}

// Decode parses wire bytes into an envelope. Unknown fields are ignored.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// ExpectVersion is a convenience for building envelopes with an optimistic
// concurrency requirement.
func ExpectVersion(v int64) *int64 {
	return &v
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
