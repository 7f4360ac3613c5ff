package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders applies the gateway's standard response hardening to
// OAuth endpoint responses. The gateway serves JSON documents and redirects,
// never pages, so framing, scripting, and caching are all denied outright.
// HSTS is only emitted when the gateway itself is reachable over HTTPS,
// keeping plain-HTTP development setups working.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Tokens, codes, and client secrets travel in these responses; no
	// intermediary may cache them
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}
