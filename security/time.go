package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period for expiration checks.
// It absorbs small clock differences between the token issuer and the
// introspecting server.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiry against the wall clock with the default grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry against the wall clock with a custom grace period
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	return IsTokenExpiredAt(expiresAt, time.Now(), gracePeriod)
}

// IsTokenExpiredAt reports whether expiresAt lies more than gracePeriod before now.
// A zero expiresAt never expires.
func IsTokenExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
