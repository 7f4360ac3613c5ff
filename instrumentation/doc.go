// Package instrumentation provides OpenTelemetry metrics and tracing for the
// gateway.
//
// The package is built around a single Instrumentation value that owns the
// meter and tracer providers plus a pre-registered set of metric instruments.
// When disabled, no-op providers are installed so recording calls cost almost
// nothing and callers never need nil checks.
//
// # Usage
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "mcp-gateway",
//	    ServiceVersion: "1.0.0",
//	    Enabled:        true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Record metrics through the pre-registered instruments.
//	inst.Metrics().RecordAuthorizationStarted(ctx, clientID)
//	inst.Metrics().RecordProxyRequest(ctx, "POST", 200, 12.5)
//
//	// Create spans scoped to a layer.
//	ctx, span := inst.Tracer("server").Start(ctx, "oauth.exchange_authorization_code")
//	defer span.End()
//
// # Metric layers
//
// Instruments are grouped by the layer that records them:
//
//   - http: request counts and latency for the OAuth endpoints
//   - server: authorization flow counters (flows started, codes exchanged,
//     tokens revoked, clients registered)
//   - security: rate limit violations, PKCE failures, code reuse, audit events
//   - proxy: relayed request counts, latency, and upstream failures
//   - storage: operation counts, latency, and live record gauges
//
// Storage size gauges are observable; storage backends register callbacks via
// RegisterStorageSizeCallbacks so the current counts are read on collection
// instead of being pushed on every mutation.
//
// # Security
//
// Never record sensitive values (access tokens, authorization codes, client
// secrets, PKCE verifiers) in span attributes or metric labels. Traces and
// metrics are exported to systems with far wider access than the process
// itself. The attribute helpers in this package only accept metadata such as
// client identifiers, scopes, and status codes. Client IP addresses may be
// PII; gate them behind ShouldLogClientIPs.
package instrumentation
