package oauth

import (
	"log/slog"
	"net/http"
)

// Config holds the gateway handler configuration consumed by NewHandler
type Config struct {
	// Resource is the gateway's resource identifier for RFC 9728 protected
	// resource metadata. Trailing slashes are stripped for RFC 8707
	// comparison. Defaults to the server issuer.
	Resource string

	// UpstreamURL is the base URL of the backend tool service that
	// authenticated requests are relayed to (required).
	UpstreamURL string

	// SupportedScopes are the scopes advertised in discovery metadata.
	// Defaults to the scopes the server accepts.
	SupportedScopes []string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient supplies the transport for upstream requests.
	// If not provided, the default HTTP transport is used.
	HTTPClient *http.Client
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// SecurityConfig holds gateway security settings (secure by default)
type SecurityConfig struct {
	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}
