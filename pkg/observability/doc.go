// Package observability provides OpenTelemetry tracing and metrics for
// the runtime, plus in-process operational views: an activity timeline
// and SLO tracking for runtime operations.
//
// # Provider
//
// Initialize once at startup and pass the provider to components that
// trace their work:
//
//	tel, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "meshforge-runtime",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer tel.Shutdown(ctx)
//
// Wrap any unit of work:
//
//	ctx, done := tel.TrackOperation(ctx, "engine.process_event", attrs...)
//	defer func() { done(err) }()
//
// A disabled provider (Enabled: false) makes every call a no-op, so
// telemetry never gates tests.
//
// # Timeline and SLOs
//
// Timeline keeps a bounded, queryable record of runtime activity per
// tenant and correlation. SLOTracker evaluates latency and success-rate
// objectives over sliding windows and reports burn rate.
package observability
