package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPErrorDetail is the inner error object of the wire envelope.
type HTTPErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the one error envelope every endpoint returns.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// StatusForCode maps a stable error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeExternalService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteHTTPError serializes one envelope with the given status.
func WriteHTTPError(w http.ResponseWriter, status int, detail HTTPErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: detail})
}

// RespondWithError maps err to an envelope and writes it. Coded errors keep
// their code and status; anything else is an internal error.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	detail := HTTPErrorDetail{
		Code:    CodeInternal,
		Message: "internal server error",
	}
	var e *Error
	if errors.As(err, &e) {
		detail.Code = e.Code
		detail.Message = e.Message
	} else if err != nil {
		detail.Message = err.Error()
	}
	if r != nil {
		detail.RequestID = RequestIDFrom(r.Context())
	}
	WriteHTTPError(w, StatusForCode(detail.Code), detail)
}
