package security

import (
	"testing"
	"time"
)

func TestIsExpiredWithGracePeriod(t *testing.T) {
	now := time.Now()

	if IsExpiredWithGracePeriod(now.Add(time.Minute), 0) {
		t.Error("future expiry reported expired")
	}
	if !IsExpiredWithGracePeriod(now.Add(-time.Minute), 0) {
		t.Error("past expiry not reported expired")
	}

	// Inside the grace window a past expiry is still valid.
	if IsExpiredWithGracePeriod(now.Add(-2*time.Second), 10*time.Second) {
		t.Error("expiry inside grace window reported expired")
	}
	if !IsExpiredWithGracePeriod(now.Add(-time.Minute), 10*time.Second) {
		t.Error("expiry past grace window not reported expired")
	}

	// Zero expiry means no expiration.
	if IsExpiredWithGracePeriod(time.Time{}, 0) {
		t.Error("zero expiry reported expired")
	}
}
