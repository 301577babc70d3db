package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mzxrai/memva/store"
)

// handleGetSettings implements GET /api/session/:sessionId/settings: the
// session's own override (null when it has none) and the global row,
// returned side by side; the two are not merged.
func (rt *Router) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	sess, err := rt.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	global, err := rt.store.GetSettings(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"override": sess.Settings,
		"global":   global,
	})
}

// handlePutSettings implements PUT /api/session/:sessionId/settings.
func (rt *Router) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	var settings store.SessionSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		WriteError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if settings.MaxTurns != nil && *settings.MaxTurns <= 0 {
		WriteError(w, http.StatusBadRequest, codeValidation, "maxTurns must be positive")
		return
	}
	if settings.PermissionMode != nil && !validPermissionMode(*settings.PermissionMode) {
		WriteError(w, http.StatusBadRequest, codeValidation, "invalid permissionMode")
		return
	}

	if err := rt.store.UpdateSessionSettings(r.Context(), sessionID, &settings); err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// validPermissionMode mirrors the agent subprocess's accepted
// permissionMode values (§6's agent-subprocess option).
func validPermissionMode(mode string) bool {
	switch mode {
	case "default", "acceptEdits", "bypassPermissions", "plan":
		return true
	default:
		return false
	}
}
