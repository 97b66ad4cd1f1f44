// Package security implements the inline request mitigation engine: IP
// filtering, fixed-window rate limiting, brute-force lockout, suspicious
// pattern detection, per-IP reputation scoring, and the security event trail.
package security

import "net/http"

// Rejection reason codes surfaced to callers. Stable, machine-readable.
const (
	CodeIPBlocked         = "ip_blocked"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeTooManyAttempts   = "too_many_attempts"
)

// Decision is the outcome of a single mitigation check. A zero RetryAfter
// means the caller is not expected to retry.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Status     int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Allow is the decision that lets a request continue.
var Allow = Decision{Allowed: true}

func rejectBlocked() Decision {
	return Decision{
		Status:  http.StatusForbidden,
		Code:    CodeIPBlocked,
		Message: "access denied",
	}
}

func rejectRateLimited(retryAfter int) Decision {
	return Decision{
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func rejectBruteForce(retryAfter int) Decision {
	return Decision{
		Status:     http.StatusTooManyRequests,
		Code:       CodeTooManyAttempts,
		Message:    "too many failed attempts",
		RetryAfter: retryAfter,
	}
}
