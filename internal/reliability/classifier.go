// Package reliability classifies delivery failures and paces retries.
package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus reports whether a webhook or API status code is
// worth another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableSlackError classifies error strings returned by the Slack Web
// API. Auth and channel errors are permanent.
func IsRetryableSlackError(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "ratelimited", "rate_limited", "service_unavailable", "internal_error", "fatal_error", "request_timeout":
		return true
	default:
		return false
	}
}

// Backoff doubles the delay after each failed attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (1 is the first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	limit := b.Max
	if limit < base {
		limit = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
