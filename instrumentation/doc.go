// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server: metric instruments for the OAuth flow, storage, and
// security layers, plus nil-safe span helpers used across packages.
//
// Initialize once and hand the instance to the server:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "lion-authd",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false, no-op providers are used and recording has zero
// overhead. Exporter wiring (Prometheus, OTLP) is left to the embedding
// application via Config.Resource and the provider accessors.
package instrumentation
