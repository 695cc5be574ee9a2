// Package engine implements the per-agent runtime loop: scope enforcement,
// idempotent processing, optimistic concurrency, durable persistence, and
// at-least-once dispatch of adapter outputs.
//
// ProcessEvent and Tick serialize under one mutex per engine, so an
// adapter is only ever driven by one goroutine at a time. In-process
// routing runs the target engine inside the caller's critical section;
// command topologies must be acyclic or they deadlock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/canonical"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
	"github.com/Mindburn-Labs/meshforge/pkg/idempotency"
	"github.com/Mindburn-Labs/meshforge/pkg/observability"
	"github.com/Mindburn-Labs/meshforge/pkg/router"
	"github.com/Mindburn-Labs/meshforge/pkg/store"
)

// DeterministicNowMS is the frozen clock value in deterministic mode.
const DeterministicNowMS int64 = 1234567890000

// ErrNilEnvelope is returned when ProcessEvent is handed a nil envelope.
var ErrNilEnvelope = errors.New("engine: nil envelope")

// Option configures an Engine.
type Option func(*Engine)

// WithRouter wires a command router. Without one, command outputs are
// logged and dropped.
func WithRouter(r router.Router) Option {
	return func(e *Engine) { e.router = r }
}

// WithClock overrides the engine clock (unix milliseconds).
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// WithDeterministic freezes the clock and derives output ids from input
// ids, making state hashes stable across runs for identical inputs.
func WithDeterministic() Option {
	return func(e *Engine) {
		e.deterministic = true
		e.now = func() int64 { return DeterministicNowMS }
	}
}

// WithKeyCache replaces the default in-process processed-key cache.
func WithKeyCache(c idempotency.Cache) Option {
	return func(e *Engine) { e.keys = c }
}

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTelemetry attaches spans and counters to every processing phase.
func WithTelemetry(p *observability.Provider) Option {
	return func(e *Engine) {
		e.telemetry = p
		e.instruments = newInstruments(p)
	}
}

// Engine drives one adapter within one (tenant, workspace) scope.
type Engine struct {
	agentID   string
	tenant    string
	workspace string

	adapter adapter.Adapter
	store   store.EventStore
	bus     bus.Bus
	router  router.Router
	keys    idempotency.Cache

	logger        *slog.Logger
	telemetry     *observability.Provider
	instruments   *instruments
	deterministic bool
	now           func() int64

	metrics Metrics
	mu      sync.Mutex
}

// New builds an engine for one agent. The store, bus, and adapter are
// mandatory collaborators; everything else has working defaults.
func New(agentID, tenant, workspace string, ad adapter.Adapter, st store.EventStore, b bus.Bus, opts ...Option) *Engine {
	e := &Engine{
		agentID:   agentID,
		tenant:    tenant,
		workspace: workspace,
		adapter:   ad,
		store:     st,
		bus:       b,
		keys:      idempotency.NewMemory(),
		logger: slog.Default().With(
			"component", "engine",
			"agent", agentID,
			"tenant", tenant,
			"workspace", workspace,
		),
		now: func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AgentID returns the agent this engine drives.
func (e *Engine) AgentID() string { return e.agentID }

// Tenant returns the engine's tenant scope.
func (e *Engine) Tenant() string { return e.tenant }

// Workspace returns the engine's workspace scope.
func (e *Engine) Workspace() string { return e.workspace }

// ProcessEvent runs one envelope through the processing pipeline and
// returns the envelopes emitted. When it returns without error, all
// outputs are persisted, applied to adapter state, and dispatched.
func (e *Engine) ProcessEvent(ctx context.Context, env *envelope.Envelope) (outputs []*envelope.Envelope, err error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, done := e.track(ctx, "engine.process_event",
		attribute.String("agent.id", e.agentID),
		attribute.String("event.type", env.Type),
		attribute.String("event.id", env.ID),
	)
	defer func() { done(err) }()

	// 1. Scope check: out-of-scope input never reaches the adapter.
	if env.Tenant != e.tenant || env.Workspace != e.workspace {
		return e.scopeViolation(ctx, env)
	}

	// 2. Idempotency check against the memory set, then the store.
	scopedKey := env.ScopedKey()
	dup, err := e.isDuplicate(ctx, env, scopedKey)
	if err != nil {
		return nil, err
	}
	if dup {
		return e.redeliver(ctx, env)
	}

	start := e.now()
	e.metrics.eventsReceived.Add(1)
	e.instruments.addReceived(ctx, e.agentID, env.Type)

	// 3. Optimistic concurrency check.
	if env.ExpectedVersion != nil {
		current := e.adapter.State().EntityVersion(env.EntityID)
		if current != *env.ExpectedVersion {
			return e.versionConflict(ctx, env, current, scopedKey)
		}
	}

	// 4. Decide: pure adapter call, no side effects yet.
	outputs, err = e.receive(ctx, env)
	if err != nil {
		return nil, err
	}

	// 5. Egress rewrite: adapters cannot speak for other scopes.
	for i, out := range outputs {
		e.normalizeOutput(env.ID, out, i)
	}

	if len(outputs) > 0 {
		// 6. Persist before anything becomes visible.
		if err = e.appendBatch(ctx, outputs); err != nil {
			return nil, err
		}
		// 7. Apply in store order.
		if err = e.applyAll(ctx, outputs); err != nil {
			return nil, err
		}
		// 8. Dispatch in output order.
		if err = e.dispatchAll(ctx, outputs); err != nil {
			return nil, err
		}
	}

	// 9. Commit the scoped key and record duration.
	e.markProcessed(ctx, scopedKey)
	duration := e.now() - start
	e.metrics.processingMS.Add(duration)
	e.instruments.recordDuration(ctx, e.agentID, env.Type, duration)

	return outputs, nil
}

// Tick drives the adapter's time-based logic. Outputs follow the same
// persist, apply, dispatch rules as ProcessEvent.
func (e *Engine) Tick(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, done := e.track(ctx, "engine.tick", attribute.String("agent.id", e.agentID))
	defer func() { done(err) }()

	nowMS := e.now()
	outputs, err := e.adapter.Tick(ctx, nowMS)
	if err != nil {
		e.metrics.faults.Add(1)
		return fmt.Errorf("adapter tick: %w", err)
	}
	if len(outputs) == 0 {
		return nil
	}

	base := e.agentID + ":tick:" + strconv.FormatInt(nowMS, 10)
	for i, out := range outputs {
		e.normalizeOutput(base, out, i)
	}

	if err = e.appendBatch(ctx, outputs); err != nil {
		return err
	}
	if err = e.applyAll(ctx, outputs); err != nil {
		return err
	}
	return e.dispatchAll(ctx, outputs)
}

// Recover rebuilds adapter state by replaying every stored event in
// scope, in insertion order, and repopulates the processed-key set.
// Nothing is published or routed, and Receive is never called.
func (e *Engine) Recover(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, done := e.track(ctx, "engine.recover", attribute.String("agent.id", e.agentID))
	defer func() { done(err) }()

	events, err := e.store.Replay(ctx, store.ReplayFilter{Tenant: e.tenant, Workspace: e.workspace})
	if err != nil {
		return fmt.Errorf("recovery replay: %w", err)
	}

	applied := 0
	for _, ev := range events {
		if ev.Tenant != e.tenant || ev.Workspace != e.workspace {
			e.logger.ErrorContext(ctx, "recovered event has invalid scope, skipping",
				"envelope_id", ev.ID,
				"event_tenant", ev.Tenant,
				"event_workspace", ev.Workspace,
			)
			continue
		}
		if err = e.adapter.Apply(ctx, ev); err != nil {
			return fmt.Errorf("recovery apply %s: %w", ev.ID, err)
		}
		if ev.IdempotencyKey != "" {
			e.markProcessed(ctx, ev.ScopedKey())
		}
		applied++
	}

	e.logger.InfoContext(ctx, "recovery complete", "events_applied", applied)
	return nil
}

// StateHash returns the hex SHA-256 of the canonical JSON form of the
// adapter's current state. Stable across replayed runs.
func (e *Engine) StateHash() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return canonical.Hash(e.adapter.State())
}

// State returns a deep snapshot of the adapter state.
func (e *Engine) State() adapter.AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapter.State()
}

// Health reports the adapter's health.
func (e *Engine) Health() adapter.HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapter.Health()
}

// Metrics returns a point-in-time copy of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

func (e *Engine) isDuplicate(ctx context.Context, env *envelope.Envelope, scopedKey string) (bool, error) {
	seen, err := e.keys.Seen(ctx, scopedKey)
	if err != nil {
		return false, fmt.Errorf("idempotency check %s: %w", env.ID, err)
	}
	if seen {
		return true, nil
	}
	stored, err := e.store.GetByIdempotencyKey(ctx, env.IdempotencyKey, env.Tenant, env.Workspace)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup %s: %w", env.ID, err)
	}
	if len(stored) > 0 {
		e.markProcessed(ctx, scopedKey)
		return true, nil
	}
	return false, nil
}

// redeliver handles a duplicate request: the outputs persisted under the
// input's idempotency key are re-dispatched, so a crash between persist
// and publish still results in downstream delivery. State is untouched.
func (e *Engine) redeliver(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	e.metrics.idempotencyHits.Add(1)
	e.instruments.addIdempotencyHit(ctx, e.agentID)
	e.logger.InfoContext(ctx, "duplicate request",
		"envelope_id", env.ID,
		"idempotency_key", env.IdempotencyKey,
	)

	stored, err := e.store.GetByIdempotencyKey(ctx, env.IdempotencyKey, env.Tenant, env.Workspace)
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup %s: %w", env.ID, err)
	}
	if len(stored) == 0 {
		return []*envelope.Envelope{}, nil
	}
	if err := e.dispatchAll(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (e *Engine) scopeViolation(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	reason := fmt.Sprintf("envelope scope %s/%s does not match engine scope %s/%s",
		env.Tenant, env.Workspace, e.tenant, e.workspace)
	e.logger.WarnContext(ctx, "security violation", "envelope_id", env.ID, "reason", reason)

	// The violation record lives under the engine's scope, so redelivery
	// of the same out-of-scope input must be de-duplicated here; the
	// normal idempotency step only runs for in-scope input.
	scopedKey := e.scopedKey(env.IdempotencyKey)
	seen, err := e.keys.Seen(ctx, scopedKey)
	if err != nil {
		return nil, fmt.Errorf("violation idempotency check %s: %w", env.ID, err)
	}
	existing, err := e.store.GetByIdempotencyKey(ctx, env.IdempotencyKey, e.tenant, e.workspace)
	if err != nil {
		return nil, fmt.Errorf("violation lookup %s: %w", env.ID, err)
	}
	if seen || len(existing) > 0 {
		if err := e.dispatchAll(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	violation := &envelope.Envelope{
		ID:              "evt-" + env.ID + "-violation",
		TS:              e.now(),
		Type:            "evt.security.violation",
		SchemaVersion:   envelope.DefaultSchemaVersion,
		TraceID:         env.TraceID,
		SpanID:          env.SpanID,
		Tenant:          e.tenant,
		Workspace:       e.workspace,
		Actor:           env.Actor,
		Source:          envelope.Source{Agent: e.agentID, Adapter: "runtime"},
		SecurityContext: env.SecurityContext,
		IdempotencyKey:  env.IdempotencyKey,
		CausationID:     env.ID,
		CorrelationID:   env.CorrelationID,
		Payload: map[string]any{
			"attempted_tenant":    env.Tenant,
			"attempted_workspace": env.Workspace,
			"engine_tenant":       e.tenant,
			"engine_workspace":    e.workspace,
			"reason":              reason,
		},
	}

	if err := e.store.Append(ctx, violation); err != nil {
		e.metrics.faults.Add(1)
		return nil, fmt.Errorf("persist violation: %w", err)
	}
	e.markProcessed(ctx, scopedKey)
	if err := e.publish(ctx, violation); err != nil {
		return nil, err
	}

	e.metrics.securityViolations.Add(1)
	e.instruments.addViolation(ctx, e.agentID)
	return []*envelope.Envelope{violation}, nil
}

func (e *Engine) versionConflict(ctx context.Context, env *envelope.Envelope, current int64, scopedKey string) ([]*envelope.Envelope, error) {
	reason := fmt.Sprintf("version mismatch for entity %s: expected %d, got %d",
		env.EntityID, *env.ExpectedVersion, current)
	e.logger.InfoContext(ctx, "concurrency conflict", "envelope_id", env.ID, "reason", reason)

	// The conflict reuses the command's idempotency key so a redelivered
	// command finds this exact record and returns it unchanged.
	conflict := &envelope.Envelope{
		ID:              "evt-" + env.ID + "-conflict",
		TS:              e.now(),
		Type:            "evt." + e.agentID + ".conflict",
		SchemaVersion:   envelope.DefaultSchemaVersion,
		TraceID:         env.TraceID,
		SpanID:          env.SpanID,
		Tenant:          e.tenant,
		Workspace:       e.workspace,
		Actor:           env.Actor,
		Source:          envelope.Source{Agent: e.agentID, Adapter: "runtime"},
		SecurityContext: env.SecurityContext,
		IdempotencyKey:  env.IdempotencyKey,
		CausationID:     env.ID,
		CorrelationID:   env.CorrelationID,
		EntityID:        env.EntityID,
		Payload: map[string]any{
			"entity_id":        env.EntityID,
			"expected_version": *env.ExpectedVersion,
			"current_version":  current,
			"reason":           reason,
		},
	}

	if err := e.store.Append(ctx, conflict); err != nil {
		e.metrics.faults.Add(1)
		return nil, fmt.Errorf("persist conflict: %w", err)
	}
	if err := e.publish(ctx, conflict); err != nil {
		return nil, err
	}
	e.markProcessed(ctx, scopedKey)

	e.metrics.concurrencyConflicts.Add(1)
	return []*envelope.Envelope{conflict}, nil
}

func (e *Engine) receive(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	ctx, done := e.track(ctx, "adapter.receive", attribute.String("agent.id", e.agentID))
	outputs, err := e.adapter.Receive(ctx, env)
	done(err)
	if err != nil {
		e.metrics.faults.Add(1)
		return nil, fmt.Errorf("adapter receive %s: %w", env.ID, err)
	}
	return outputs, nil
}

// normalizeOutput enforces the engine's scope on an output and fills in
// the fields adapters may leave blank. In deterministic mode, minted ids
// derive from the triggering id so reruns produce identical envelopes.
func (e *Engine) normalizeOutput(baseID string, out *envelope.Envelope, i int) {
	out.Tenant = e.tenant
	out.Workspace = e.workspace
	if out.TS == 0 {
		out.TS = e.now()
	}
	if out.ID == "" {
		if e.deterministic {
			out.ID = envelope.DeriveID(baseID, "out-"+strconv.Itoa(i))
		} else {
			out.ID = envelope.NewID()
		}
	}
	if out.SchemaVersion == "" {
		out.SchemaVersion = envelope.DefaultSchemaVersion
	}
}

func (e *Engine) appendBatch(ctx context.Context, outputs []*envelope.Envelope) error {
	ctx, done := e.track(ctx, "store.append_batch", attribute.Int("batch.size", len(outputs)))
	err := e.store.AppendBatch(ctx, outputs)
	done(err)
	if err != nil {
		e.metrics.faults.Add(1)
		return fmt.Errorf("append outputs: %w", err)
	}
	return nil
}

func (e *Engine) applyAll(ctx context.Context, outputs []*envelope.Envelope) error {
	for _, out := range outputs {
		if err := e.adapter.Apply(ctx, out); err != nil {
			e.metrics.faults.Add(1)
			return fmt.Errorf("apply %s: %w", out.ID, err)
		}
	}
	return nil
}

func (e *Engine) dispatchAll(ctx context.Context, outputs []*envelope.Envelope) error {
	for _, out := range outputs {
		if err := e.dispatch(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, out *envelope.Envelope) error {
	if out.IsCommand() {
		if e.router == nil {
			e.logger.WarnContext(ctx, "command output dropped, no router configured",
				"envelope_id", out.ID, "type", out.Type)
			return nil
		}
		ctx, done := e.track(ctx, "router.route", attribute.String("event.type", out.Type))
		err := e.router.Route(ctx, out)
		done(err)
		if err != nil {
			e.metrics.faults.Add(1)
			return fmt.Errorf("route %s: %w", out.ID, err)
		}
		e.metrics.commandsSent.Add(1)
		e.instruments.addEmitted(ctx, e.agentID, "command")
		return nil
	}
	return e.publish(ctx, out)
}

func (e *Engine) publish(ctx context.Context, out *envelope.Envelope) error {
	ctx, done := e.track(ctx, "bus.publish", attribute.String("event.type", out.Type))
	err := e.bus.Publish(ctx, out)
	done(err)
	if err != nil {
		e.metrics.faults.Add(1)
		return fmt.Errorf("publish %s: %w", out.ID, err)
	}
	e.metrics.eventsEmitted.Add(1)
	e.instruments.addEmitted(ctx, e.agentID, "event")
	return nil
}

func (e *Engine) markProcessed(ctx context.Context, scopedKey string) {
	if err := e.keys.Mark(ctx, scopedKey); err != nil {
		// The store stays authoritative; a failed mark only costs one
		// extra lookup on the next delivery.
		e.logger.WarnContext(ctx, "mark processed key failed", "key", scopedKey, "error", err)
	}
}

func (e *Engine) scopedKey(idempotencyKey string) string {
	return e.tenant + ":" + e.workspace + ":" + idempotencyKey
}

func (e *Engine) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if e.telemetry == nil {
		return ctx, func(error) {}
	}
	return e.telemetry.TrackOperation(ctx, name, attrs...)
}
