package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mzxrai/memva/store"
)

// SessionSyncPayload is the job data for store.JobTypeSessionSync.
type SessionSyncPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionSyncResult is the result recorded for a store.JobTypeSessionSync
// job.
type SessionSyncResult struct {
	SessionID       string `json:"sessionId"`
	ResumeSessionID string `json:"resumeSessionId"`
}

// SessionSyncHandler re-derives a session's latest resumable agent-session
// id from its event log. Idempotent; useful after manual DB edits or a
// migration that leaves the derived value stale.
type SessionSyncHandler struct {
	store store.Store
}

// NewSessionSyncHandler returns a SessionSyncHandler backed by s.
func NewSessionSyncHandler(s store.Store) *SessionSyncHandler {
	return &SessionSyncHandler{store: s}
}

// Handle implements pool.Handler for store.JobTypeSessionSync.
func (h *SessionSyncHandler) Handle(ctx context.Context, job *store.Job) (any, error) {
	var payload SessionSyncPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, fmt.Errorf("runner: decode session-sync job: %w", err)
	}
	resumeID, err := h.store.LatestNonEmptyAgentSessionID(ctx, payload.SessionID)
	if err != nil {
		return nil, fmt.Errorf("runner: resolve resume session id: %w", err)
	}
	return SessionSyncResult{SessionID: payload.SessionID, ResumeSessionID: resumeID}, nil
}
