package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ambientlabs/mcp-gateway/instrumentation"
	"github.com/ambientlabs/mcp-gateway/security"
)

// hopByHopHeaders are connection-level headers that must not be forwarded
// to the upstream (RFC 7230 Section 6.1)
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays authenticated requests to the backend tool service.
// It preserves the request method, path, query, headers, and body, strips
// hop-by-hop headers and the gateway's own Authorization header, and streams
// the upstream response back without buffering.
type Forwarder struct {
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	logger   *slog.Logger
	tracer   trace.Tracer

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation

	trustProxy        bool
	trustedProxyCount int
}

// NewForwarder creates a relay to the given upstream base URL.
// The httpClient's transport is used for upstream connections when provided.
func NewForwarder(upstreamURL string, httpClient *http.Client, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	upstream, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, errors.New("upstream URL must use http or https")
	}
	if upstream.Host == "" {
		return nil, errors.New("upstream URL must include a host")
	}

	f := &Forwarder{
		upstream: upstream,
		logger:   logger,
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: f.rewrite,
		// Flush immediately so streaming responses (SSE) reach the client
		// without buffering delays.
		FlushInterval: -1,
		ErrorHandler:  f.handleUpstreamError,
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	if httpClient != nil && httpClient.Transport != nil {
		proxy.Transport = httpClient.Transport
	}
	f.proxy = proxy

	return f, nil
}

// SetAuditor sets the security auditor
func (f *Forwarder) SetAuditor(aud *security.Auditor) {
	f.auditor = aud
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (f *Forwarder) SetInstrumentation(inst *instrumentation.Instrumentation) {
	f.instrumentation = inst
	if inst != nil {
		f.tracer = inst.Tracer("proxy")
	}
}

// SetProxyTrust configures client IP extraction for audit logging
func (f *Forwarder) SetProxyTrust(trustProxy bool, trustedProxyCount int) {
	f.trustProxy = trustProxy
	f.trustedProxyCount = trustedProxyCount
}

// rewrite points the outbound request at the upstream, keeping the original
// path and query intact
func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(f.upstream)
	pr.SetXForwarded()

	// The bearer token authenticated the request at the gateway. It must not
	// leak to the upstream.
	pr.Out.Header.Del("Authorization")

	for _, h := range hopByHopHeaders {
		pr.Out.Header.Del(h)
	}
}

// ServeHTTP implements http.Handler
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if f.tracer != nil {
		ctx, span = f.tracer.Start(ctx, "proxy.forward")
		defer span.End()
		r = r.WithContext(ctx)
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	f.proxy.ServeHTTP(recorder, r)

	instrumentation.AddProxyAttributes(span, r.Method, recorder.status)
	if recorder.status < http.StatusInternalServerError {
		instrumentation.SetSpanSuccess(span)
	} else {
		instrumentation.SetSpanError(span, http.StatusText(recorder.status))
	}

	if f.instrumentation != nil {
		durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
		f.instrumentation.Metrics().RecordProxyRequest(context.Background(), r.Method, recorder.status, durationMs)
	}
}

// handleUpstreamError maps transport failures to gateway errors: 504 when the
// upstream timed out, 502 for everything else
func (f *Forwarder) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	clientIP := security.GetClientIP(r, f.trustProxy, f.trustedProxyCount)

	oauthErr := ErrUpstreamUnavailable("The backend service is unavailable")
	reason := "unreachable"
	if isTimeoutError(err) {
		oauthErr = ErrUpstreamTimeout("The backend service did not respond in time")
		reason = "timeout"
	}

	f.logger.Error("Upstream request failed",
		"upstream", f.upstream.Host,
		"method", r.Method,
		"path", r.URL.Path,
		"reason", reason,
		"error", err)

	if f.auditor != nil {
		f.auditor.LogUpstreamUnavailable(clientIP, reason)
	}
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordProxyUpstreamError(context.Background(), reason)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// isTimeoutError reports whether an upstream failure was a timeout rather
// than a connection failure
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}

// statusRecorder captures the response status for metrics while passing
// streaming writes through unbuffered
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
