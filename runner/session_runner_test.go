package runner

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/mzxrai/memva/agentstream"
	"github.com/mzxrai/memva/store"
)

func newTestSession(t *testing.T, s store.Store) *store.Session {
	t.Helper()
	sess := &store.Session{ProjectPath: "/tmp/project"}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func scriptCommand(script string) agentstream.CommandBuilder {
	return func(ctx context.Context, in agentstream.Input) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "sh", "-c", script), nil
	}
}

func TestSessionRunnerHandler_NormalCompletionSetsCompleted(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	sess := newTestSession(t, s)

	script := `
printf '%s\n' '{"type":"assistant","session_id":"sess-a"}'
printf '%s\n' '{"type":"result","session_id":"sess-a"}'
`
	streamer := agentstream.New(s, nil, scriptCommand(script), ":memory:")
	h := NewSessionRunnerHandler(s, streamer)

	payload, _ := json.Marshal(SessionRunnerPayload{SessionID: sess.ID, Prompt: "hi"})
	job := &store.Job{ID: 1, Type: store.JobTypeSessionRunner, Data: payload}

	if _, err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	refreshed, err := s.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if refreshed.ClaudeStatus != store.ClaudeCompleted {
		t.Errorf("expected completed, got %s", refreshed.ClaudeStatus)
	}
}

func TestSessionRunnerHandler_FailedRunSetsError(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	sess := newTestSession(t, s)

	// No prior events, so there is no resume id for the resume-failure
	// fallback to swallow the error into; it must propagate.
	script := `exit 1`
	streamer := agentstream.New(s, nil, scriptCommand(script), ":memory:")
	h := NewSessionRunnerHandler(s, streamer)

	payload, _ := json.Marshal(SessionRunnerPayload{SessionID: sess.ID, Prompt: "hi"})
	job := &store.Job{ID: 1, Type: store.JobTypeSessionRunner, Data: payload}

	if _, err := h.Handle(context.Background(), job); err == nil {
		t.Fatal("expected Handle to propagate the agent run failure")
	}

	refreshed, err := s.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if refreshed.ClaudeStatus != store.ClaudeError {
		t.Errorf("expected error status, got %s", refreshed.ClaudeStatus)
	}
}

func TestResolveEffectiveSettings_SessionOverridesGlobal(t *testing.T) {
	maxTurns := 7
	permissionMode := "plan"
	global := &store.Settings{MaxTurns: 50, PermissionMode: "default", DefaultDirectory: "."}
	sess := &store.Session{
		ProjectPath: "/tmp/project",
		Settings: &store.SessionSettings{
			MaxTurns:       &maxTurns,
			PermissionMode: &permissionMode,
		},
	}

	es := resolveEffectiveSettings(global, sess)
	if es.MaxTurns != 7 {
		t.Errorf("expected overridden MaxTurns 7, got %d", es.MaxTurns)
	}
	if es.PermissionMode != "plan" {
		t.Errorf("expected overridden PermissionMode plan, got %s", es.PermissionMode)
	}
	if es.ProjectPath != "/tmp/project" {
		t.Errorf("expected ProjectPath to fall back to the session's, got %s", es.ProjectPath)
	}
}
