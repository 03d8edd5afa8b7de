package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry
	// checks. It prevents false expiration errors due to time drift between
	// the server and the store; 5 seconds covers typical NTP drift while
	// extending credential lifetime by a negligible amount.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks if a credential is expired with the default clock skew
// grace period.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks if a credential is expired with a custom
// clock skew grace period. A zero expiry means no expiration.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
