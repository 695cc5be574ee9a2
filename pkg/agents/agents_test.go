package agents_test

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/meshforge/pkg/adapter"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

func testCommand(id, typ, key string, payload map[string]any) *envelope.Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &envelope.Envelope{
		ID:        id,
		TS:        1000,
		Type:      typ,
		Tenant:    "t",
		Workspace: "w",
		Actor:     envelope.Actor{ID: "u1", Role: "user"},
		Source:    envelope.Source{Agent: "test", Adapter: "test"},
		SecurityContext: envelope.SecurityContext{
			PrincipalID:   "u1",
			PrincipalType: envelope.PrincipalUser,
		},
		IdempotencyKey: key,
		Payload:        payload,
	}
}

// receiveOne runs a command through the adapter and asserts exactly one
// output of the wanted type.
func receiveOne(t *testing.T, ad adapter.Adapter, cmd *envelope.Envelope, wantType string) *envelope.Envelope {
	t.Helper()
	outs, err := ad.Receive(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Receive(%s): %v", cmd.Type, err)
	}
	if len(outs) != 1 {
		t.Fatalf("Receive(%s) returned %d outputs, want 1", cmd.Type, len(outs))
	}
	if outs[0].Type != wantType {
		t.Fatalf("output type = %q, want %q (payload %v)", outs[0].Type, wantType, outs[0].Payload)
	}
	return outs[0]
}

func apply(t *testing.T, ad adapter.Adapter, envs ...*envelope.Envelope) {
	t.Helper()
	for _, env := range envs {
		if err := ad.Apply(context.Background(), env); err != nil {
			t.Fatalf("Apply(%s): %v", env.Type, err)
		}
	}
}
