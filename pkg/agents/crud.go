package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// CRUD manages entities of one object type. Commands are
// cmd.<object>.create|update|delete|get|list; every command answers with
// exactly one event, either evt.<object>.<past-tense> or evt.error.
//
// Entity records are {id, entity_version, data, last_idempotency_key}.
// Receive never mutates; a redelivered command is recognized by the
// entity's last_idempotency_key and answered with the same event again.
type CRUD struct {
	object        string
	entities      map[string]map[string]any
	version       int64
	lastProcessed string
	updatedAt     int64
}

// NewCRUD builds a manager for one object type. The lowercased object
// name is the agent name commands are routed by.
func NewCRUD(object string) *CRUD {
	return &CRUD{
		object:   strings.ToLower(object),
		entities: make(map[string]map[string]any),
	}
}

// Object returns the managed object name.
func (c *CRUD) Object() string { return c.object }

func (c *CRUD) Receive(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	parts := strings.Split(env.Type, ".")
	if len(parts) != 3 || parts[0] != "cmd" || parts[1] != c.object {
		return nil, nil
	}

	switch verb := parts[2]; verb {
	case "create":
		return c.handleCreate(env), nil
	case "update":
		return c.handleUpdate(env), nil
	case "delete":
		return c.handleDelete(env), nil
	case "get":
		return c.handleGet(env), nil
	case "list":
		return c.handleList(env), nil
	default:
		return []*envelope.Envelope{
			c.errorEvent(env, "unknown_command", fmt.Sprintf("command %q not supported", verb)),
		}, nil
	}
}

func (c *CRUD) handleCreate(env *envelope.Envelope) []*envelope.Envelope {
	id, ok := env.Payload["id"].(string)
	if !ok || id == "" {
		return []*envelope.Envelope{c.errorEvent(env, "validation_error", "missing 'id' in payload")}
	}

	if existing, found := c.entities[id]; found {
		if existing["last_idempotency_key"] == env.IdempotencyKey {
			return []*envelope.Envelope{c.event(env, "created", id, cloneMap(existing))}
		}
		return []*envelope.Envelope{
			c.errorEvent(env, "conflict", fmt.Sprintf("entity %s already exists", id)),
		}
	}

	data, _ := env.Payload["data"].(map[string]any)
	entity := map[string]any{
		"id":                   id,
		"entity_version":       int64(1),
		"data":                 cloneMap(data),
		"last_idempotency_key": env.IdempotencyKey,
	}
	if entity["data"] == nil {
		entity["data"] = map[string]any{}
	}
	return []*envelope.Envelope{c.event(env, "created", id, entity)}
}

func (c *CRUD) handleUpdate(env *envelope.Envelope) []*envelope.Envelope {
	id, ok := env.Payload["id"].(string)
	if !ok || id == "" {
		return []*envelope.Envelope{c.errorEvent(env, "validation_error", "missing 'id' in payload")}
	}

	existing, found := c.entities[id]
	if !found {
		return []*envelope.Envelope{
			c.errorEvent(env, "not_found", fmt.Sprintf("entity %s not found", id)),
		}
	}
	if existing["last_idempotency_key"] == env.IdempotencyKey {
		return []*envelope.Envelope{c.event(env, "updated", id, cloneMap(existing))}
	}

	currentVersion, _ := asInt64(existing["entity_version"])
	if raw, present := env.Payload["expected_version"]; present {
		if expected, ok := asInt64(raw); ok && expected != currentVersion {
			return []*envelope.Envelope{c.errorEvent(env, "conflict",
				fmt.Sprintf("entity version mismatch: expected %d, got %d", expected, currentVersion))}
		}
	}

	merged, _ := cloneValue(existing["data"]).(map[string]any)
	if merged == nil {
		merged = map[string]any{}
	}
	if overlay, ok := env.Payload["data"].(map[string]any); ok {
		for k, v := range overlay {
			merged[k] = cloneValue(v)
		}
	}

	entity := map[string]any{
		"id":                   id,
		"entity_version":       currentVersion + 1,
		"data":                 merged,
		"last_idempotency_key": env.IdempotencyKey,
	}
	return []*envelope.Envelope{c.event(env, "updated", id, entity)}
}

// handleDelete is idempotent: deleting an absent entity still confirms
// with evt.<object>.deleted.
func (c *CRUD) handleDelete(env *envelope.Envelope) []*envelope.Envelope {
	id, ok := env.Payload["id"].(string)
	if !ok || id == "" {
		return []*envelope.Envelope{c.errorEvent(env, "validation_error", "missing 'id' in payload")}
	}
	return []*envelope.Envelope{c.event(env, "deleted", id, map[string]any{"id": id})}
}

func (c *CRUD) handleGet(env *envelope.Envelope) []*envelope.Envelope {
	id, ok := env.Payload["id"].(string)
	if !ok || id == "" {
		return []*envelope.Envelope{c.errorEvent(env, "validation_error", "missing 'id' in payload")}
	}
	existing, found := c.entities[id]
	if !found {
		return []*envelope.Envelope{
			c.errorEvent(env, "not_found", fmt.Sprintf("entity %s not found", id)),
		}
	}
	return []*envelope.Envelope{c.event(env, "found", id, cloneMap(existing))}
}

func (c *CRUD) handleList(env *envelope.Envelope) []*envelope.Envelope {
	ids := make([]string, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	limit := int64(100)
	if n, ok := asInt64(env.Payload["limit"]); ok {
		limit = n
	}
	offset := int64(0)
	if n, ok := asInt64(env.Payload["offset"]); ok {
		offset = n
	}

	total := int64(len(ids))
	start := min(offset, total)
	end := min(start+limit, total)

	items := make([]any, 0, end-start)
	for _, id := range ids[start:end] {
		items = append(items, cloneMap(c.entities[id]))
	}
	return []*envelope.Envelope{c.event(env, "list", "", map[string]any{
		"items": items,
		"total": total,
	})}
}

// Apply mutates on created, updated, and deleted. Read responses
// (found, list) and foreign types change nothing.
func (c *CRUD) Apply(_ context.Context, env *envelope.Envelope) error {
	prefix := "evt." + c.object + "."
	if !strings.HasPrefix(env.Type, prefix) {
		return nil
	}

	switch suffix := env.Type[len(prefix):]; suffix {
	case "created", "updated":
		id, ok := env.Payload["id"].(string)
		if !ok || id == "" {
			return nil
		}
		c.entities[id] = cloneMap(env.Payload)
		c.touch(env)
	case "deleted":
		id, ok := env.Payload["id"].(string)
		if !ok || id == "" {
			return nil
		}
		delete(c.entities, id)
		c.touch(env)
	}
	return nil
}

func (c *CRUD) touch(env *envelope.Envelope) {
	c.version++
	c.lastProcessed = env.ID
	c.updatedAt = env.TS
}

func (c *CRUD) Tick(context.Context, int64) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (c *CRUD) State() adapter.AgentState {
	vers := make(map[string]int64, len(c.entities))
	for id, entity := range c.entities {
		if v, ok := asInt64(entity["entity_version"]); ok {
			vers[id] = v
		}
	}
	return adapter.AgentState{
		Version:              c.version,
		EntityVersions:       vers,
		Data:                 map[string]any{"count": int64(len(c.entities))},
		LastProcessedEventID: c.lastProcessed,
		UpdatedAt:            c.updatedAt,
	}
}

func (c *CRUD) Health() adapter.HealthStatus { return adapter.HealthReady }

func (c *CRUD) event(trigger *envelope.Envelope, suffix, entityID string, payload map[string]any) *envelope.Envelope {
	return &envelope.Envelope{
		ID:              trigger.ID + "_" + suffix,
		TS:              trigger.TS,
		Type:            "evt." + c.object + "." + suffix,
		TraceID:         trigger.TraceID,
		SpanID:          trigger.SpanID,
		Tenant:          trigger.Tenant,
		Workspace:       trigger.Workspace,
		Actor:           trigger.Actor,
		Source:          envelope.Source{Agent: c.object, Adapter: "crud"},
		SecurityContext: trigger.SecurityContext,
		IdempotencyKey:  trigger.IdempotencyKey,
		CausationID:     trigger.ID,
		CorrelationID:   trigger.CorrelationID,
		EntityID:        entityID,
		Payload:         payload,
	}
}

func (c *CRUD) errorEvent(trigger *envelope.Envelope, code, message string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:              trigger.ID + "_error",
		TS:              trigger.TS,
		Type:            "evt.error",
		TraceID:         trigger.TraceID,
		SpanID:          trigger.SpanID,
		Tenant:          trigger.Tenant,
		Workspace:       trigger.Workspace,
		Actor:           trigger.Actor,
		Source:          envelope.Source{Agent: c.object, Adapter: "crud"},
		SecurityContext: trigger.SecurityContext,
		IdempotencyKey:  trigger.IdempotencyKey,
		CausationID:     trigger.ID,
		CorrelationID:   trigger.CorrelationID,
		Payload: map[string]any{
			"code":    code,
			"message": message,
			"context": map[string]any{"command": trigger.Type},
		},
	}
}
