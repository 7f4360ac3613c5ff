package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// Test recording various HTTP requests
	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		durationMs float64
	}{
		{"successful GET", "GET", "/oauth/authorize", 200, 123.45},
		{"successful POST", "POST", "/oauth/token", 200, 234.56},
		{"bad request", "POST", "/oauth/token", 400, 45.67},
		{"not found", "GET", "/unknown", 404, 5.67},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic
			metrics.RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, tt.durationMs)
		})
	}
}

func TestMetrics_RecordAuthorizationFlow(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// Test authorization flow metrics
	metrics.RecordAuthorizationStarted(ctx, "test-client-1")
	metrics.RecordAuthorizationStarted(ctx, "test-client-2")

	metrics.RecordCodeExchange(ctx, "test-client-1", "S256")
	metrics.RecordCodeExchange(ctx, "test-client-2", "S256")

	metrics.RecordTokenRevocation(ctx, "test-client-1")

	metrics.RecordClientRegistration(ctx, "public")
	metrics.RecordClientRegistration(ctx, "confidential")

	// All should complete without panic
}

func TestMetrics_RecordSecurityEvents(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// Test security metrics
	metrics.RecordRateLimitExceeded(ctx, "ip")
	metrics.RecordRateLimitExceeded(ctx, "client_registration")

	metrics.RecordPKCEValidationFailed(ctx, "S256")

	metrics.RecordCodeReuseDetected(ctx)
	metrics.RecordCodeReuseDetected(ctx)

	// All should complete without panic
}

func TestMetrics_RecordProxyRequests(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// Test proxy relay metrics
	tests := []struct {
		name       string
		method     string
		statusCode int
		durationMs float64
	}{
		{"relayed GET", "GET", 200, 12.34},
		{"relayed POST", "POST", 200, 56.78},
		{"upstream rejection", "POST", 403, 8.9},
		{"upstream failure", "POST", 502, 3001.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordProxyRequest(ctx, tt.method, tt.statusCode, tt.durationMs)
		})
	}

	metrics.RecordProxyUpstreamError(ctx, "dial")
	metrics.RecordProxyUpstreamError(ctx, "timeout")
}

func TestMetrics_RecordStorageOperations(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// Test storage metrics
	metrics.RecordStorageOperation(ctx, "save_token", "success", 12.34)
	metrics.RecordStorageOperation(ctx, "get_token", "success", 5.67)
	metrics.RecordStorageOperation(ctx, "consume_authorization_code", "success", 3.45)
	metrics.RecordStorageOperation(ctx, "save_token", "error", 23.45)

	// All should complete without panic
}

func TestMetrics_RecordAuditEvents(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// Test audit metrics
	metrics.RecordAuditEvent(ctx, "authorization_code_issued")
	metrics.RecordAuditEvent(ctx, "token_issued")
	metrics.RecordAuditEvent(ctx, "token_revoked")
	metrics.RecordAuditEvent(ctx, "auth_failure")

	// All should complete without panic
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// Test concurrent metric recording
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				metrics.RecordHTTPRequest(ctx, "GET", "/test", 200, 10.0)
				metrics.RecordAuthorizationStarted(ctx, "client")
				metrics.RecordCodeExchange(ctx, "client", "S256")
				metrics.RecordStorageOperation(ctx, "save", "success", 5.0)
				metrics.RecordProxyRequest(ctx, "POST", 200, 100.0)
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Should complete without race conditions or panics
}

func TestMetrics_NoOpBehavior(t *testing.T) {
	ctx := context.Background()
	// Test that disabled instrumentation doesn't error on metric recording
	inst, err := New(Config{
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// All these should be no-ops and not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/test", 200, 10.0)
	metrics.RecordAuthorizationStarted(ctx, "client")
	metrics.RecordCodeExchange(ctx, "client", "S256")
	metrics.RecordTokenRevocation(ctx, "client")
	metrics.RecordClientRegistration(ctx, "public")
	metrics.RecordRateLimitExceeded(ctx, "ip")
	metrics.RecordPKCEValidationFailed(ctx, "S256")
	metrics.RecordCodeReuseDetected(ctx)
	metrics.RecordProxyRequest(ctx, "POST", 200, 100.0)
	metrics.RecordProxyUpstreamError(ctx, "dial")
	metrics.RecordStorageOperation(ctx, "save", "success", 5.0)
	metrics.RecordAuditEvent(ctx, "test_event")

	// No panics = success
}
