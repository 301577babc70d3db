package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/runner"
	"github.com/mzxrai/memva/store"
)

// maxPromptFormBytes bounds the multipart form memory buffer, matching the
// 32MB ceiling used elsewhere in the pack for small-file uploads.
const maxPromptFormBytes = 32 << 20

// handleSubmitPrompt implements POST /api/claude-code/:sessionId: it appends
// the user's prompt as an event, enqueues a session-runner job, and then
// streams the resulting events back as the response body.
func (rt *Router) handleSubmitPrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	sess, err := rt.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxPromptFormBytes); err != nil {
		WriteError(w, http.StatusBadRequest, codeValidation, "invalid multipart form")
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		WriteError(w, http.StatusBadRequest, codeValidation, "prompt is required")
		return
	}

	active, err := rt.queue.ActiveSessionRunner(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if active != nil {
		writeStoreError(w, ErrSessionRunnerActive)
		return
	}

	var parentUUID *string
	latest, err := rt.store.LatestEvent(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if latest != nil {
		parentUUID = &latest.UUID
	}

	eventData, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, codeInternal, "encode event data: "+err.Error())
		return
	}
	userEvent, err := rt.events.Append(r.Context(), &store.Event{
		UUID:           uuid.New().String(),
		MemvaSessionID: sessionID,
		EventType:      store.EventTypeUser,
		ParentUUID:     parentUUID,
		Cwd:            sess.ProjectPath,
		Data:           eventData,
		Visible:        true,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// A new user prompt supersedes any permission request the agent raised
	// before it; nothing from an earlier turn is answerable after this.
	if _, err := rt.broker.ExpirePermissionsAfterUserMessage(r.Context(), sessionID, userEvent.Timestamp); err != nil {
		writeStoreError(w, err)
		return
	}

	payload, err := json.Marshal(runner.SessionRunnerPayload{
		SessionID:     sessionID,
		Prompt:        prompt,
		UserEventUUID: userEvent.UUID,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, codeInternal, "encode job payload: "+err.Error())
		return
	}
	if _, err := rt.queue.Enqueue(r.Context(), store.JobTypeSessionRunner, payload, queue.EnqueueOptions{}); err != nil {
		writeStoreError(w, err)
		return
	}

	if err := rt.events.Stream(r.Context(), sessionID, w); err != nil {
		rt.logger.Warn("httpapi: submit-prompt stream ended", "sessionId", sessionID, "error", err)
	}
}

// handleStream implements GET /api/claude-code/:sessionId: an SSE live tail
// with no side effects of its own.
func (rt *Router) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if err := rt.events.Stream(r.Context(), sessionID, w); err != nil {
		writeStoreError(w, err)
	}
}
