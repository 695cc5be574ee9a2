package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// Handler processes one decoded envelope and is responsible for its own
// persistence and dispatch. *engine.Engine satisfies it; the interface
// exists so the delivery protocol can be tested without a full engine.
type Handler interface {
	ProcessEvent(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error)
}

// jetMsg is the subset of *nats.Msg the delivery protocol touches.
// Tests inject fakes; production wraps real messages in liveMsg.
type jetMsg interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	NumDelivered() (uint64, error)
}

type liveMsg struct {
	m *nats.Msg
}

func (l liveMsg) Subject() string { return l.m.Subject }
func (l liveMsg) Data() []byte    { return l.m.Data }
func (l liveMsg) Ack() error      { return l.m.Ack() }
func (l liveMsg) Nak() error      { return l.m.Nak() }

func (l liveMsg) NumDelivered() (uint64, error) {
	md, err := l.m.Metadata()
	if err != nil {
		return 0, err
	}
	return md.NumDelivered, nil
}

// Delivery defaults. A message gets DefaultMaxDeliver attempts with
// progressive backoff between redeliveries before it is parked on the
// dead letter stream.
const (
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second
)

func defaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
}

// ConsumerConfig describes one durable pull consumer. Filter is usually
// built with bus.CommandFilter so an agent only sees its own work queue.
// Durable and Filter are required; everything else has defaults.
type ConsumerConfig struct {
	Stream     string
	Filter     string
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	Backoff    []time.Duration
}

func (cfg ConsumerConfig) withDefaults() ConsumerConfig {
	if cfg.Stream == "" {
		cfg.Stream = CommandStream
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = DefaultMaxDeliver
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultAckWait
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff()
	}
	return cfg
}

// Consumer is a durable JetStream pull consumer feeding a Handler. The
// ack protocol turns at-least-once delivery into exactly-once state
// effect: the handler commits before the ack goes out, so a crash in
// between redelivers a message the handler already knows is a duplicate.
//
// A message whose processing keeps failing is redelivered MaxDeliver
// times, then published verbatim to failed.<subject> and acked so it
// stops blocking the work queue.
type Consumer struct {
	js      nats.JetStreamContext
	pub     publisher
	handler Handler
	cfg     ConsumerConfig
	logger  *slog.Logger
	done    chan struct{}
}

// NewConsumer builds a consumer; Start wires it to the broker.
func NewConsumer(js nats.JetStreamContext, handler Handler, cfg ConsumerConfig) *Consumer {
	cfg = cfg.withDefaults()
	c := &Consumer{
		js:      js,
		handler: handler,
		cfg:     cfg,
		logger: slog.Default().With(
			"component", "jetstream_consumer",
			"durable", cfg.Durable),
		done: make(chan struct{}),
	}
	if js != nil {
		c.pub = js
	}
	return c
}

// Start ensures the durable consumer exists on the stream and launches
// the pull loop in a background goroutine. The loop stops when ctx is
// canceled; Done unblocks once it has fully wound down.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cfg.Durable == "" || c.cfg.Filter == "" {
		return errors.New("consumer requires a durable name and a filter subject")
	}

	_, err := c.js.AddConsumer(c.cfg.Stream, &nats.ConsumerConfig{
		Durable:       c.cfg.Durable,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: c.cfg.Filter,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		BackOff:       c.cfg.Backoff,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s on %s: %w", c.cfg.Durable, c.cfg.Stream, err)
	}

	sub, err := c.js.PullSubscribe(c.cfg.Filter, c.cfg.Durable, nats.BindStream(c.cfg.Stream))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", c.cfg.Filter, err)
	}

	c.logger.InfoContext(ctx, "consumer started",
		"stream", c.cfg.Stream,
		"filter", c.cfg.Filter,
		"max_deliver", c.cfg.MaxDeliver)

	go c.loop(ctx, sub)
	return nil
}

// Done is closed when the pull loop has exited after ctx cancellation.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) loop(ctx context.Context, sub *nats.Subscription) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping")
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, nats.ErrTimeout) {
				continue
			}
			c.logger.ErrorContext(ctx, "fetch failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			c.process(ctx, liveMsg{m})
		}
	}
}

// process runs the full delivery protocol for one message: decode,
// validate, hand to the handler, then ack. Any failure routes through
// redeliverOrPark.
func (c *Consumer) process(ctx context.Context, m jetMsg) {
	env, err := decodeValid(m.Data())
	if err == nil {
		_, err = c.handler.ProcessEvent(ctx, env)
	}
	if err != nil {
		c.redeliverOrPark(ctx, m, err)
		return
	}
	if ackErr := m.Ack(); ackErr != nil {
		// The handler committed; a lost ack only means one redundant
		// redelivery, which the handler's idempotency absorbs.
		c.logger.ErrorContext(ctx, "ack failed",
			"subject", m.Subject(), "error", ackErr)
		return
	}
	c.logger.DebugContext(ctx, "message processed",
		"subject", m.Subject(), "envelope_id", env.ID)
}

// redeliverOrPark naks the message for another attempt, or once the
// delivery budget is spent, publishes the raw bytes to the dead letter
// stream and acks the original off the work queue. Park-then-ack in
// that order: a crash in between leaves the message on both streams,
// never on neither.
func (c *Consumer) redeliverOrPark(ctx context.Context, m jetMsg, procErr error) {
	c.logger.ErrorContext(ctx, "message processing failed",
		"subject", m.Subject(), "error", procErr)

	delivered, err := m.NumDelivered()
	if err != nil {
		c.logger.ErrorContext(ctx, "delivery metadata unavailable, redelivering",
			"subject", m.Subject(), "error", err)
		c.nak(ctx, m)
		return
	}
	if int(delivered) < c.cfg.MaxDeliver {
		c.nak(ctx, m)
		return
	}

	dlqSubject := bus.FailedSubject(m.Subject())
	if _, err := c.pub.Publish(dlqSubject, m.Data(), nats.Context(ctx)); err != nil {
		c.logger.ErrorContext(ctx, "dead letter publish failed, redelivering",
			"subject", dlqSubject, "error", err)
		c.nak(ctx, m)
		return
	}
	c.logger.WarnContext(ctx, "message parked on dead letter stream",
		"subject", m.Subject(),
		"dlq_subject", dlqSubject,
		"deliveries", delivered)
	if err := m.Ack(); err != nil {
		c.logger.ErrorContext(ctx, "ack after dead letter failed",
			"subject", m.Subject(), "error", err)
	}
}

func (c *Consumer) nak(ctx context.Context, m jetMsg) {
	if err := m.Nak(); err != nil {
		c.logger.ErrorContext(ctx, "nak failed",
			"subject", m.Subject(), "error", err)
	}
}

func decodeValid(data []byte) (*envelope.Envelope, error) {
	env, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := env.Validate().Err(); err != nil {
		return nil, fmt.Errorf("invalid envelope %s: %w", env.ID, err)
	}
	return env, nil
}
