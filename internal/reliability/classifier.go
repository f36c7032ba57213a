package reliability

import (
	"net/http"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsPermanentRejection reports whether a handshake status or close reason
// means the backend refused the session and reconnecting will not help.
func IsPermanentRejection(status int, reason string) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return strings.Contains(reason, "403")
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
