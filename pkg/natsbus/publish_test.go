package natsbus

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
	"github.com/Mindburn-Labs/meshforge/pkg/router"
)

func TestJetStreamBusPublishesScopedSubject(t *testing.T) {
	pub := &fakePublisher{}
	b := &JetStreamBus{js: pub, logger: slog.Default()}

	env := testEnvelope("evt-1", "evt.counter.incremented", "idemp-1")
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	if got := pub.published[0].subject; got != "evt.default.test.counter.incremented" {
		t.Fatalf("unexpected subject %s", got)
	}
	decoded, err := envelope.Decode(pub.published[0].data)
	if err != nil {
		t.Fatalf("decode published bytes: %v", err)
	}
	if decoded.ID != "evt-1" {
		t.Fatalf("expected evt-1 on the wire, got %s", decoded.ID)
	}
}

func TestJetStreamBusPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	b := &JetStreamBus{js: pub, logger: slog.Default()}

	if err := b.Publish(context.Background(), testEnvelope("evt-1", "evt.counter.incremented", "k")); err == nil {
		t.Fatal("expected publish error to surface")
	}
}

func TestJetStreamRouterRoutesCommands(t *testing.T) {
	pub := &fakePublisher{}
	r := &JetStreamRouter{js: pub, logger: slog.Default()}

	cmd := testEnvelope("cmd-1", "cmd.counter.increment", "idemp-1")
	if err := r.Route(context.Background(), cmd); err != nil {
		t.Fatalf("route: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	if got := pub.published[0].subject; got != "cmd.default.test.counter.increment" {
		t.Fatalf("unexpected subject %s", got)
	}
}

func TestJetStreamRouterRejectsEvents(t *testing.T) {
	pub := &fakePublisher{}
	r := &JetStreamRouter{js: pub, logger: slog.Default()}

	err := r.Route(context.Background(), testEnvelope("evt-1", "evt.counter.incremented", "k"))
	if !errors.Is(err, router.ErrNotCommand) {
		t.Fatalf("expected ErrNotCommand, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatal("events must never reach the command stream")
	}
}
