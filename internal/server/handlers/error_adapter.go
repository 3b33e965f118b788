package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/vidgen/internal/errors"
)

// httpErrorResponder renders handler errors. Tests and embedders may swap it.
var httpErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the error renderer. Nil restores the default.
func SetHTTPErrorResponder(fn func(http.ResponseWriter, *http.Request, error)) {
	if fn == nil {
		ResetHTTPErrorResponder()
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default error renderer.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
