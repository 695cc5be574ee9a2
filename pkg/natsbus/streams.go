// Package natsbus provides the durable NATS JetStream transport: an event
// bus, a command router, and a pull consumer that feeds an engine. Events
// live on a limits-retention stream so multiple subscribers can replay
// them; commands live on a work-queue stream so exactly one consumer in a
// group processes each command. Messages that exhaust their delivery
// budget are parked on the dead letter stream under failed.>.
package natsbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/meshforge/pkg/bus"
)

// Stream names. EnsureStreams creates or updates all three.
const (
	EventStream   = "MESHFORGE_EVENTS"
	CommandStream = "MESHFORGE_COMMANDS"
	DLQStream     = "MESHFORGE_DLQ"
)

// Connect dials a NATS server and opens a JetStream context. The
// connection reconnects forever; callers own the returned *nats.Conn
// and must Close it on shutdown.
func Connect(url string, opts ...nats.Option) (*nats.Conn, nats.JetStreamContext, error) {
	base := []nats.Option{
		nats.Name("meshforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams idempotently creates or updates the three streams the
// runtime depends on. Safe to call from every process at startup.
func EnsureStreams(js nats.JetStreamManager) error {
	configs := []*nats.StreamConfig{
		{
			Name:      EventStream,
			Subjects:  []string{bus.EventPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		},
		{
			Name:      CommandStream,
			Subjects:  []string{bus.CommandPrefix + ".>"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		},
		{
			Name:      DLQStream,
			Subjects:  []string{bus.FailedPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		},
	}
	for _, cfg := range configs {
		if err := ensureStream(js, cfg); err != nil {
			return err
		}
	}
	return nil
}

func ensureStream(js nats.JetStreamManager, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	switch {
	case err == nil:
		if _, err := js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	default:
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}
	return nil
}
