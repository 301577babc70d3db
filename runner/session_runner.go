// Package runner implements the pool.Handler bodies for each job type:
// driving an agent run to completion, sweeping expired permissions and
// stale jobs, resyncing a session's resumable agent-session id, and the
// store's own file-lifecycle jobs (vacuum, backup).
package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mzxrai/memva/agentstream"
	"github.com/mzxrai/memva/permission/mcpsidecar"
	"github.com/mzxrai/memva/store"
)

// SessionRunnerPayload is the job data for store.JobTypeSessionRunner.
type SessionRunnerPayload struct {
	SessionID     string `json:"sessionId"`
	Prompt        string `json:"prompt"`
	UserEventUUID string `json:"userEventUuid,omitempty"`
}

// SessionRunnerHandler drives one agent run for a session: it implements
// pool.Handler for store.JobTypeSessionRunner.
type SessionRunnerHandler struct {
	store    store.Store
	streamer *agentstream.Streamer
}

// NewSessionRunnerHandler returns a SessionRunnerHandler backed by s and
// streamer.
func NewSessionRunnerHandler(s store.Store, streamer *agentstream.Streamer) *SessionRunnerHandler {
	return &SessionRunnerHandler{store: s, streamer: streamer}
}

// Handle runs the six steps: set claude_status=processing, load effective
// settings, resolve the resume session id, compute the initial parent
// uuid, invoke the streamer, and set the terminal claude_status.
func (h *SessionRunnerHandler) Handle(ctx context.Context, job *store.Job) (any, error) {
	var payload SessionRunnerPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, fmt.Errorf("runner: decode session-runner job: %w", err)
	}

	if err := h.store.UpdateClaudeStatus(ctx, payload.SessionID, store.ClaudeProcessing); err != nil {
		return nil, fmt.Errorf("runner: set processing: %w", err)
	}

	sess, err := h.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return nil, fmt.Errorf("runner: load session: %w", err)
	}
	global, err := h.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("runner: load settings: %w", err)
	}
	effective := resolveEffectiveSettings(global, sess)

	resumeID, err := h.store.LatestNonEmptyAgentSessionID(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("runner: resolve resume session id: %w", err)
	}

	var initialParentUUID string
	latest, err := h.store.LatestEvent(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("runner: load latest event: %w", err)
	}
	if latest != nil {
		initialParentUUID = latest.UUID
	}

	result, runErr := h.streamer.Run(ctx, sess.ID, agentstream.Input{
		Prompt:                   payload.Prompt,
		ProjectPath:              effective.ProjectPath,
		ResumeSessionID:          resumeID,
		InitialParentUUID:        initialParentUUID,
		MaxTurns:                 effective.MaxTurns,
		PermissionMode:           effective.PermissionMode,
		PermissionPromptToolName: mcpsidecar.ToolName,
	})

	// A timeout or any other unhandled run error marks the run errored; a
	// normal completion or a cooperatively-accepted user abort both return
	// here with runErr == nil and are indistinguishable at this layer,
	// matching the "abort surfaces no error" rule.
	if runErr != nil {
		if statusErr := h.store.UpdateClaudeStatus(ctx, sess.ID, store.ClaudeError); statusErr != nil {
			return nil, fmt.Errorf("runner: set error status after %v: %w", runErr, statusErr)
		}
		return nil, NewRunnerError("agent run", runErr).WithContext("sessionId", sess.ID)
	}

	if err := h.store.UpdateClaudeStatus(ctx, sess.ID, store.ClaudeCompleted); err != nil {
		return nil, fmt.Errorf("runner: set completed: %w", err)
	}
	return result, nil
}

type effectiveSettings struct {
	MaxTurns       int
	PermissionMode string
	ProjectPath    string
}

// resolveEffectiveSettings applies session.Settings as a per-field override
// over the global Settings row.
func resolveEffectiveSettings(global *store.Settings, sess *store.Session) effectiveSettings {
	es := effectiveSettings{
		MaxTurns:       global.MaxTurns,
		PermissionMode: global.PermissionMode,
		ProjectPath:    sess.ProjectPath,
	}
	if sess.Settings == nil {
		return es
	}
	if sess.Settings.MaxTurns != nil {
		es.MaxTurns = *sess.Settings.MaxTurns
	}
	if sess.Settings.PermissionMode != nil {
		es.PermissionMode = *sess.Settings.PermissionMode
	}
	if sess.Settings.DefaultDirectory != nil {
		es.ProjectPath = *sess.Settings.DefaultDirectory
	}
	return es
}
