// Package telemetry sets up OpenTelemetry tracing and metrics for an agent.
//
// Spans and OTel instruments go to an OTLP collector over gRPC or
// HTTP/protobuf. The Prometheus counters served on /metrics are registered
// with promauto and work whether or not this package is enabled.
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//	ctx, span := tel.Tracer("elexd.sync").Start(ctx, "gossip.announce")
//	defer span.End()
//
// A collector that cannot be reached at startup does not fail New. The
// instance reports itself degraded through Health and Check, and spans go
// to the global no-op provider.
//
// Tests use NewTestTelemetry, which keeps spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	svc.ProcessQuery(ctx, q)
//	tt.AssertSpanExists(t, "intelligence.ProcessQuery")
//	n := tt.CounterValue(t, "elexd.intelligence.feedback_total")
package telemetry
