package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
)

// RequestIDHeader carries the request correlation ID on both requests and
// responses.
const RequestIDHeader = "X-Request-ID"

type requestIDContextKey struct{}

// validRequestID bounds what the gateway accepts from upstream load
// balancers: common ID formats pass through, while CRLF injection and
// oversized values are rejected and replaced.
var validRequestID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a fresh correlation ID: 128 bits from
// crypto/rand as unpadded base64url. A failing system RNG is unrecoverable
// for a security gateway, so it panics rather than degrade.
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID stores a correlation ID in the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID returns the correlation ID from the context, or "" when the
// request did not pass through RequestIDMiddleware
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// RequestIDMiddleware assigns every request a correlation ID. An acceptable
// ID arriving from an upstream proxy is kept so traces line up across the
// whole chain; anything missing or malformed is replaced with a generated
// one. The ID is echoed on the response and stored in the request context
// for handlers and audit logging.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(requestID) {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}
