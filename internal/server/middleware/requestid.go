// Package middleware holds the status server's HTTP middleware chain.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the caller's X-Request-ID, or mints one, into the
// request context and the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}
