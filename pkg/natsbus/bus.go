package natsbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// publisher is the slice of nats.JetStreamContext the bus, router, and
// consumer actually publish through. Keeping it narrow lets tests inject
// a recording fake without a running broker.
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// JetStreamBus publishes events onto the durable event stream at
// evt.<tenant>.<workspace>.<domain>.<name>. Publish waits for the
// stream's ack, so a nil error means the event is on disk server-side.
type JetStreamBus struct {
	js     publisher
	logger *slog.Logger
}

// NewJetStreamBus wraps a JetStream context as a bus.Bus.
func NewJetStreamBus(js nats.JetStreamContext) *JetStreamBus {
	return &JetStreamBus{
		js:     js,
		logger: slog.Default().With("component", "jetstream_bus"),
	}
}

// Publish encodes the envelope to canonical wire bytes and publishes it
// on its scoped event subject.
func (b *JetStreamBus) Publish(ctx context.Context, env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", env.ID, err)
	}
	subject := bus.EventSubject(env)
	ack, err := b.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish event %s to %s: %w", env.ID, subject, err)
	}
	b.logger.DebugContext(ctx, "event published",
		"event_id", env.ID,
		"subject", subject,
		"seq", ack.Sequence)
	return nil
}

var _ bus.Bus = (*JetStreamBus)(nil)
