// Package security provides the gateway's cross-cutting protections:
// per-IP rate limiting, registration throttling, client IP extraction,
// request correlation IDs, response hardening headers, token encryption at
// rest, and audit logging.
//
// # Rate Limiting
//
// Two limiters cover two abuse profiles. RateLimiter applies a per-IP token
// bucket to ordinary endpoint traffic. RegistrationLimiter counts RFC 7591
// client registrations per IP over a sliding window, since each registration
// mints credentials and writes to storage. Both bound their memory with LRU
// eviction over tracked addresses plus a background sweep of idle entries,
// so a scan across many source IPs cannot exhaust the gateway.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// Rate limit exceeded
//		return http.StatusTooManyRequests
//	}
//
// # Audit Logging
//
// The Auditor emits structured security events (token issuance, code reuse,
// registration, proxy rejections) through slog with sensitive identifiers
// hashed before they reach the log stream.
//
// # Encryption At Rest
//
// The Encryptor seals token records with AES-256-GCM before they reach
// shared storage; without a configured key it passes records through
// unchanged.
package security
