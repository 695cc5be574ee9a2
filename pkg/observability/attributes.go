package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes shared across runtime components.
var (
	// Envelope attributes
	AttrEnvelopeID   = attribute.Key("meshforge.envelope.id")
	AttrEnvelopeType = attribute.Key("meshforge.envelope.type")
	AttrTenant       = attribute.Key("meshforge.tenant")
	AttrWorkspace    = attribute.Key("meshforge.workspace")
	AttrEntityID     = attribute.Key("meshforge.entity.id")

	// Agent attributes
	AttrAgentID = attribute.Key("meshforge.agent.id")

	// Delivery attributes
	AttrSubject       = attribute.Key("meshforge.subject")
	AttrStream        = attribute.Key("meshforge.stream")
	AttrDeliveryCount = attribute.Key("meshforge.delivery.count")

	// Policy attributes
	AttrPolicyRule     = attribute.Key("meshforge.policy.rule")
	AttrPolicyDecision = attribute.Key("meshforge.policy.decision")

	// Storage attributes
	AttrStoreBackend = attribute.Key("meshforge.store.backend")
)

// EnvelopeOperation creates attributes for envelope processing.
func EnvelopeOperation(envID, envType, tenant, workspace string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvelopeID.String(envID),
		AttrEnvelopeType.String(envType),
		AttrTenant.String(tenant),
		AttrWorkspace.String(workspace),
	}
}

// AgentOperation creates attributes for engine-level operations.
func AgentOperation(agentID, tenant, workspace string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrTenant.String(tenant),
		AttrWorkspace.String(workspace),
	}
}

// DeliveryOperation creates attributes for broker deliveries.
func DeliveryOperation(subject string, delivered int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSubject.String(subject),
		AttrDeliveryCount.Int64(delivered),
	}
}

// PolicyOperation creates attributes for policy evaluations.
func PolicyOperation(rule, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyRule.String(rule),
		AttrPolicyDecision.String(decision),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
