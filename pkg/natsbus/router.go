package natsbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
	"github.com/Mindburn-Labs/meshforge/pkg/router"
)

// JetStreamRouter publishes commands onto the work-queue stream at
// cmd.<tenant>.<workspace>.<target>.<verb>. The work-queue retention
// guarantees exactly one consumer group member picks each command up.
type JetStreamRouter struct {
	js     publisher
	logger *slog.Logger
}

// NewJetStreamRouter wraps a JetStream context as a router.Router.
func NewJetStreamRouter(js nats.JetStreamContext) *JetStreamRouter {
	return &JetStreamRouter{
		js:     js,
		logger: slog.Default().With("component", "jetstream_router"),
	}
}

// Route publishes a command on its scoped command subject. Non-commands
// are rejected with router.ErrNotCommand.
func (r *JetStreamRouter) Route(ctx context.Context, env *envelope.Envelope) error {
	if !env.IsCommand() {
		return fmt.Errorf("%w: %s", router.ErrNotCommand, env.Type)
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode command %s: %w", env.ID, err)
	}
	subject := bus.CommandSubject(env)
	ack, err := r.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("route command %s to %s: %w", env.ID, subject, err)
	}
	r.logger.DebugContext(ctx, "command routed",
		"command_id", env.ID,
		"subject", subject,
		"seq", ack.Sequence)
	return nil
}

var _ router.Router = (*JetStreamRouter)(nil)
