package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mzxrai/memva/runstate"
	"github.com/mzxrai/memva/store"
)

// handleListPermissions implements GET /api/permissions?sessionId=&status=.
func (rt *Router) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	filter := store.PermissionFilter{
		SessionID: r.URL.Query().Get("sessionId"),
		Status:    runstate.PermissionStatus(r.URL.Query().Get("status")),
	}

	permissions, err := rt.store.ListPermissionRequests(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"permissions": permissions})
}

type decideRequest struct {
	Decision string `json:"decision"`
}

// handleDecidePermission implements POST /api/permissions/:id.
func (rt *Router) handleDecidePermission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body decideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if err := rt.broker.Decide(r.Context(), id, runstate.Decision(body.Decision)); err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "decision": body.Decision})
}
