package natsbus

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/engine"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
	"github.com/Mindburn-Labs/meshforge/pkg/store"
)

// fakeMsg stands in for a JetStream message so the delivery protocol
// runs without a broker.
type fakeMsg struct {
	subject   string
	data      []byte
	delivered uint64
	mdErr     error

	acked bool
	naked bool
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }

func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Nak() error {
	m.naked = true
	return nil
}

func (m *fakeMsg) NumDelivered() (uint64, error) {
	if m.mdErr != nil {
		return 0, m.mdErr
	}
	return m.delivered, nil
}

type publishedMsg struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	published []publishedMsg
	err       error
}

func (p *fakePublisher) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.published = append(p.published, publishedMsg{subject: subj, data: data})
	return &nats.PubAck{Stream: DLQStream, Sequence: uint64(len(p.published))}, nil
}

// counterAdapter reuses the input idempotency key on its output so a
// redelivered command re-publishes the stored event instead of minting
// a new one. Any type containing "poison" fails every attempt.
type counterAdapter struct {
	state adapter.AgentState
}

func newCounterAdapter() *counterAdapter {
	return &counterAdapter{state: adapter.NewAgentState()}
}

func (a *counterAdapter) Receive(_ context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	if strings.Contains(env.Type, "poison") {
		return nil, errors.New("poison pill")
	}
	if env.Type != "cmd.counter.increment" {
		return []*envelope.Envelope{}, nil
	}
	return []*envelope.Envelope{{
		ID:              "evt-" + env.ID,
		TS:              env.TS,
		Type:            "evt.counter.incremented",
		Tenant:          env.Tenant,
		Workspace:       env.Workspace,
		Actor:           env.Actor,
		Source:          envelope.Source{Agent: "counter", Adapter: "test"},
		SecurityContext: env.SecurityContext,
		IdempotencyKey:  env.IdempotencyKey,
		CausationID:     env.ID,
		Payload:         map[string]any{"count": a.count() + 1},
	}}, nil
}

func (a *counterAdapter) Apply(_ context.Context, env *envelope.Envelope) error {
	if env.Type != "evt.counter.incremented" {
		return nil
	}
	a.state.Data["count"] = a.count() + 1
	a.state.Version++
	a.state.LastProcessedEventID = env.ID
	a.state.UpdatedAt = env.TS
	return nil
}

func (a *counterAdapter) Tick(_ context.Context, _ int64) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (a *counterAdapter) State() adapter.AgentState    { return a.state.Clone() }
func (a *counterAdapter) Health() adapter.HealthStatus { return adapter.HealthReady }

func (a *counterAdapter) count() int64 {
	n, _ := a.state.Data["count"].(int64)
	return n
}

type consumerFixture struct {
	adapter *counterAdapter
	store   *store.InMemoryStore
	bus     *bus.InMemoryBus
	engine  *engine.Engine
	pub     *fakePublisher
	cons    *Consumer
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()
	ad := newCounterAdapter()
	st := store.NewInMemoryStore()
	mb := bus.NewInMemoryBus()
	eng := engine.New("counter", "default", "test", ad, st, mb,
		engine.WithDeterministic())
	cons := NewConsumer(nil, eng, ConsumerConfig{
		Filter:  bus.CommandFilter("default", "test", "counter"),
		Durable: "counter_consumer",
	})
	pub := &fakePublisher{}
	cons.pub = pub
	return &consumerFixture{adapter: ad, store: st, bus: mb, engine: eng, pub: pub, cons: cons}
}

func testEnvelope(id, typ, key string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:            id,
		TS:            1000,
		Type:          typ,
		SchemaVersion: envelope.DefaultSchemaVersion,
		TraceID:       "trace-1",
		SpanID:        "span-1",
		Tenant:        "default",
		Workspace:     "test",
		Actor:         envelope.Actor{ID: "user-1", Role: "admin"},
		Source:        envelope.Source{Agent: "gateway", Adapter: "manual"},
		SecurityContext: envelope.SecurityContext{
			PrincipalID:   "user-1",
			PrincipalType: envelope.PrincipalUser,
		},
		IdempotencyKey: key,
		Payload:        map[string]any{},
	}
}

func encodeEnvelope(t *testing.T, env *envelope.Envelope) []byte {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return data
}

func TestProcessAcksAfterCommit(t *testing.T) {
	f := newConsumerFixture(t)
	msg := &fakeMsg{
		subject:   "cmd.default.test.counter.increment",
		data:      encodeEnvelope(t, testEnvelope("cmd-1", "cmd.counter.increment", "idemp-1")),
		delivered: 1,
	}

	f.cons.process(context.Background(), msg)

	if !msg.acked || msg.naked {
		t.Fatalf("expected ack, got acked=%v naked=%v", msg.acked, msg.naked)
	}
	count, err := f.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored event, got %d", count)
	}
	published := f.bus.Published()
	if len(published) != 1 || published[0].Type != "evt.counter.incremented" {
		t.Fatalf("unexpected publishes: %+v", published)
	}
	if got := f.adapter.count(); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}

func TestRedeliveredCommandEffectsStateOnce(t *testing.T) {
	f := newConsumerFixture(t)
	data := encodeEnvelope(t, testEnvelope("cmd-1", "cmd.counter.increment", "idemp-1"))
	subject := "cmd.default.test.counter.increment"

	first := &fakeMsg{subject: subject, data: data, delivered: 1}
	f.cons.process(context.Background(), first)
	if !first.acked {
		t.Fatal("first delivery should ack")
	}

	// An ack lost between the engine commit and the broker makes
	// JetStream redeliver the same bytes.
	second := &fakeMsg{subject: subject, data: data, delivered: 2}
	f.cons.process(context.Background(), second)

	if !second.acked || second.naked {
		t.Fatalf("redelivery should ack, got acked=%v naked=%v", second.acked, second.naked)
	}
	if got := f.adapter.count(); got != 1 {
		t.Fatalf("state must change once, got count %d", got)
	}
	count, err := f.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored event, got %d", count)
	}
	published := f.bus.Published()
	if len(published) != 2 {
		t.Fatalf("expected stored output re-published on redelivery, got %d publishes", len(published))
	}
	if published[0].ID != published[1].ID || published[0].ID != "evt-cmd-1" {
		t.Fatalf("both publishes must carry the stored event, got %s and %s",
			published[0].ID, published[1].ID)
	}
	if hits := f.engine.Metrics().IdempotencyHits; hits != 1 {
		t.Fatalf("expected 1 idempotency hit, got %d", hits)
	}
}

func TestPoisonPillParksOnDeadLetterStream(t *testing.T) {
	f := newConsumerFixture(t)
	subject := "cmd.default.test.counter.poison"
	data := encodeEnvelope(t, testEnvelope("cmd-poison", "cmd.counter.poison", "idemp-poison"))

	for delivered := 1; delivered < DefaultMaxDeliver; delivered++ {
		msg := &fakeMsg{subject: subject, data: data, delivered: uint64(delivered)}
		f.cons.process(context.Background(), msg)
		if !msg.naked || msg.acked {
			t.Fatalf("delivery %d: expected nak, got acked=%v naked=%v",
				delivered, msg.acked, msg.naked)
		}
	}
	if len(f.pub.published) != 0 {
		t.Fatalf("dead letter published before delivery budget spent: %+v", f.pub.published)
	}

	last := &fakeMsg{subject: subject, data: data, delivered: DefaultMaxDeliver}
	f.cons.process(context.Background(), last)

	if len(f.pub.published) != 1 {
		t.Fatalf("expected 1 dead letter publish, got %d", len(f.pub.published))
	}
	parked := f.pub.published[0]
	if parked.subject != "failed."+subject {
		t.Fatalf("unexpected dead letter subject %s", parked.subject)
	}
	if !bytes.Equal(parked.data, data) {
		t.Fatal("dead letter must carry the original bytes verbatim")
	}
	if !last.acked || last.naked {
		t.Fatalf("parked message must be acked off the work queue, got acked=%v naked=%v",
			last.acked, last.naked)
	}

	count, err := f.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("poison pill must leave no stored events, got %d", count)
	}
	if got := f.adapter.count(); got != 0 {
		t.Fatalf("poison pill must leave state untouched, got count %d", got)
	}
}

func TestUnparseableMessageFollowsFailurePath(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"malformed json", []byte("{not json")},
		{"missing required fields", []byte(`{"id":"cmd-1","type":"cmd.counter.increment"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newConsumerFixture(t)
			subject := "cmd.default.test.counter.increment"

			msg := &fakeMsg{subject: subject, data: tc.data, delivered: 1}
			f.cons.process(context.Background(), msg)
			if !msg.naked || msg.acked {
				t.Fatalf("expected nak on first failure, got acked=%v naked=%v",
					msg.acked, msg.naked)
			}

			last := &fakeMsg{subject: subject, data: tc.data, delivered: DefaultMaxDeliver}
			f.cons.process(context.Background(), last)
			if len(f.pub.published) != 1 || !last.acked {
				t.Fatalf("expected dead letter and ack, got published=%d acked=%v",
					len(f.pub.published), last.acked)
			}
		})
	}
}

func TestDeadLetterPublishFailureKeepsMessage(t *testing.T) {
	f := newConsumerFixture(t)
	f.pub.err = errors.New("stream unavailable")

	msg := &fakeMsg{
		subject:   "cmd.default.test.counter.poison",
		data:      encodeEnvelope(t, testEnvelope("cmd-poison", "cmd.counter.poison", "idemp-poison")),
		delivered: DefaultMaxDeliver,
	}
	f.cons.process(context.Background(), msg)

	if msg.acked {
		t.Fatal("must not ack while the dead letter publish fails")
	}
	if !msg.naked {
		t.Fatal("expected nak so the broker retries later")
	}
}

func TestMissingDeliveryMetadataRedelivers(t *testing.T) {
	f := newConsumerFixture(t)

	msg := &fakeMsg{
		subject:   "cmd.default.test.counter.poison",
		data:      encodeEnvelope(t, testEnvelope("cmd-poison", "cmd.counter.poison", "idemp-poison")),
		delivered: DefaultMaxDeliver,
		mdErr:     errors.New("no metadata"),
	}
	f.cons.process(context.Background(), msg)

	if !msg.naked || msg.acked {
		t.Fatalf("expected nak without metadata, got acked=%v naked=%v", msg.acked, msg.naked)
	}
	if len(f.pub.published) != 0 {
		t.Fatal("must not park without a delivery count")
	}
}

func TestConsumerConfigDefaults(t *testing.T) {
	c := NewConsumer(nil, nil, ConsumerConfig{Durable: "x", Filter: "cmd.>"})

	if c.cfg.Stream != CommandStream {
		t.Fatalf("expected default stream %s, got %s", CommandStream, c.cfg.Stream)
	}
	if c.cfg.MaxDeliver != DefaultMaxDeliver {
		t.Fatalf("expected max deliver %d, got %d", DefaultMaxDeliver, c.cfg.MaxDeliver)
	}
	if c.cfg.AckWait != 30*time.Second {
		t.Fatalf("expected ack wait 30s, got %s", c.cfg.AckWait)
	}
	// JetStream rejects consumers whose delivery budget does not exceed
	// the backoff ladder.
	if len(c.cfg.Backoff) != 4 || c.cfg.MaxDeliver <= len(c.cfg.Backoff) {
		t.Fatalf("bad backoff defaults: max_deliver=%d backoff=%v", c.cfg.MaxDeliver, c.cfg.Backoff)
	}
}

func TestStartRequiresDurableAndFilter(t *testing.T) {
	c := NewConsumer(nil, nil, ConsumerConfig{})
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing durable name and filter")
	}
}
