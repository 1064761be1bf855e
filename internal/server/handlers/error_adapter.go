package handlers

import (
	"net/http"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
)

// httpErrorResponder is how handler errors reach the wire. It is a package
// variable so embedding applications can swap in their own envelope format.
var httpErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the error responder. Passing nil restores
// the default.
func SetHTTPErrorResponder(f func(w http.ResponseWriter, r *http.Request, err error)) {
	if f == nil {
		httpErrorResponder = apperrors.RespondWithError
		return
	}
	httpErrorResponder = f
}

// ResetHTTPErrorResponder restores the default envelope responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
