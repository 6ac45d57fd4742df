package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/claims"
	"claimdesk.org/internal/docstore"
)

// handleError maps domain errors to status codes. Anything unrecognised is
// logged and reported as an internal error without detail.
func handleError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, claims.ErrValidation), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, claims.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, claims.ErrForbidden), errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, claims.ErrInvalidTransition),
		errors.Is(err, claims.ErrConflict),
		errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, claims.ErrCrypto):
		writeError(w, r, http.StatusInternalServerError, claims.ErrCrypto.Error())
	case errors.Is(err, docstore.ErrDiskFull):
		writeError(w, r, http.StatusInsufficientStorage, "document storage is full")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		log.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
