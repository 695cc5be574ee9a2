// Package bus defines the event publishing side of the runtime and an
// in-memory implementation used by tests and single-process deployments.
// The durable JetStream-backed implementation lives in pkg/natsbus.
package bus

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// Bus publishes event envelopes for downstream subscribers. Publishing is
// at-least-once; consumers de-duplicate via idempotency keys.
type Bus interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// Subscriber receives every envelope published on an InMemoryBus.
type Subscriber func(env *envelope.Envelope)

// InMemoryBus is an ordered, synchronous bus. Subscribers run on the
// publishing goroutine, which preserves causal order within a process.
type InMemoryBus struct {
	mu          sync.Mutex
	published   []*envelope.Envelope
	subscribers []Subscriber
}

// NewInMemoryBus returns an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

func (b *InMemoryBus) Publish(_ context.Context, env *envelope.Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, env.Clone())
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(env.Clone())
	}
	return nil
}

// Subscribe registers fn for all future publishes.
func (b *InMemoryBus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Published returns a snapshot of everything published so far, in order.
func (b *InMemoryBus) Published() []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*envelope.Envelope, len(b.published))
	for i, env := range b.published {
		out[i] = env.Clone()
	}
	return out
}

// Clear drops the published log. Subscribers stay registered.
func (b *InMemoryBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
}
