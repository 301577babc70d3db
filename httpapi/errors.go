package httpapi

import (
	"errors"
	"net/http"

	"github.com/mzxrai/memva/permission"
	"github.com/mzxrai/memva/store"
)

// ErrSessionRunnerActive is returned when POST /api/claude-code/:sessionId
// is called for a session that already has an in-flight session-runner job.
var ErrSessionRunnerActive = errors.New("httpapi: session already has an active run")

// writeStoreError maps a Store/Broker/Queue error to the §6 status code and
// writes it. Handlers that don't need custom messaging can call this
// directly after any fallible lookup or mutation.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrPermissionNotFound):
		WriteError(w, http.StatusNotFound, codeNotFound, err.Error())

	case errors.Is(err, permission.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, codeValidation, err.Error())

	case errors.Is(err, permission.ErrNotPending),
		errors.Is(err, permission.ErrExpired),
		errors.Is(err, permission.ErrNoActiveJob),
		errors.Is(err, permission.ErrNewerUserMsg):
		// §6's decide endpoint classifies "not pending, not answerable, or
		// already expired" as 400, not the 409 §7's generic Conflict kind
		// otherwise uses.
		WriteError(w, http.StatusBadRequest, codeValidation, err.Error())

	case errors.Is(err, ErrSessionRunnerActive):
		WriteError(w, http.StatusConflict, codeConflict, err.Error())

	default:
		WriteError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}
