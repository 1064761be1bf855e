package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
)

// RateLimit rejects requests beyond rps with a 429 envelope. A non-positive
// rps disables limiting.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				apperrors.WriteHTTPError(w, http.StatusTooManyRequests, apperrors.HTTPErrorDetail{
					Code:      apperrors.CodeRateLimited,
					Message:   "request rate limit exceeded",
					RequestID: apperrors.RequestIDFrom(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
