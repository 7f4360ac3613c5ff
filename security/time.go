package security

import "time"

// DefaultClockSkewGracePeriod is how far past its expiry a credential is
// still honored. The gateway, its storage backend, and the client keep
// independent clocks; a few seconds of slack absorbs ordinary NTP drift
// without meaningfully extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether a token or authorization code expiry has
// passed, using the default clock skew grace period. A zero expiry means the
// credential does not expire.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod is IsTokenExpired with an explicit grace
// period, for callers that carry their own skew configuration.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
