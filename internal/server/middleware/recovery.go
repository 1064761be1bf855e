package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
)

// ErrorResponse is the envelope recovered panics are serialized into. Same
// wire shape as every other endpoint error.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts a handler panic into a 500 envelope instead of tearing
// down the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			zap.L().Error("handler panic recovered",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path))
			detail := apperrors.HTTPErrorDetail{
				Code:      apperrors.CodeInternal,
				Message:   fmt.Sprintf("panic: %v", rec),
				RequestID: apperrors.RequestIDFrom(r.Context()),
			}
			writeErrorResponse(w, detail, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the route setup reads better with.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, detail apperrors.HTTPErrorDetail, status int) {
	apperrors.WriteHTTPError(w, status, detail)
}
