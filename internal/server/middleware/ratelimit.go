package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/keygatehq/keygate/internal/security"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. A non-positive limit disables it.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return passthrough
	}
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// RateLimitByKey limits requests per presented access key. The limiter is
// keyed by the key's hash so raw secrets are never held in its table.
// Requests without the header share one bucket.
func RateLimitByKey(headerName string, requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return passthrough
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return security.HashKey(r.Header.Get(headerName)), nil
		}),
	)
}

func passthrough(next http.Handler) http.Handler {
	return next
}
