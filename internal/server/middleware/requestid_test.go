package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
)

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = apperrors.RequestIDFrom(r.Context())
	})

	rec := httptest.NewRecorder()
	RequestID(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDEchoesClientHeader(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = apperrors.RequestIDFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "req-from-proxy")
	rec := httptest.NewRecorder()
	RequestID(handler).ServeHTTP(rec, req)

	assert.Equal(t, "req-from-proxy", seen)
	assert.Equal(t, "req-from-proxy", rec.Header().Get("X-Request-ID"))
}
