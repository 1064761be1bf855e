package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
)

func TestRecoveryPassesThroughWithoutPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})

	rec := httptest.NewRecorder()
	Recovery(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
}

func TestRecoveryConvertsPanicToEnvelope(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("queue store exploded")
	})

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		Recovery(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
	assert.Contains(t, response.Error.Message, "panic: queue store exploded")
}

func TestRecoveryHandlesErrorPanicValue(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(assert.AnError)
	})

	rec := httptest.NewRecorder()
	Recovery(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "INTERNAL_ERROR", response.Error.Code)
}

func TestRecoveryCarriesRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "req-test-123")
	rec := httptest.NewRecorder()
	RequestID(Recovery(handler)).ServeHTTP(rec, req)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "req-test-123", response.Error.RequestID)
}

func TestErrorHandlerAliasesRecovery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec1 := httptest.NewRecorder()
	Recovery(handler).ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/test", nil))

	rec2 := httptest.NewRecorder()
	ErrorHandler(handler).ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, rec1.Code, rec2.Code)
	assert.Equal(t, rec1.Header().Get("Content-Type"), rec2.Header().Get("Content-Type"))
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name   string
		detail apperrors.HTTPErrorDetail
		status int
	}{
		{
			name:   "bad request",
			detail: apperrors.HTTPErrorDetail{Code: "INVALID_ARGUMENT", Message: "limit out of range"},
			status: http.StatusBadRequest,
		},
		{
			name:   "internal error",
			detail: apperrors.HTTPErrorDetail{Code: "INTERNAL_ERROR", Message: "something went wrong"},
			status: http.StatusInternalServerError,
		},
		{
			name: "with request id and details",
			detail: apperrors.HTTPErrorDetail{
				Code:      "NOT_FOUND",
				Message:   "record not found",
				RequestID: "req-123",
				Details:   map[string]any{"partition": "pending"},
			},
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeErrorResponse(rec, tt.detail, tt.status)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var response ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
			assert.Equal(t, tt.detail.Code, response.Error.Code)
			assert.Equal(t, tt.detail.Message, response.Error.Message)
			assert.Equal(t, tt.detail.RequestID, response.Error.RequestID)
			if tt.detail.Details != nil {
				assert.Equal(t, "pending", response.Error.Details["partition"])
			}
		})
	}
}
