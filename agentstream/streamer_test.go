package agentstream

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/mzxrai/memva/store"
)

func newTestStreamer(t *testing.T, command CommandBuilder) (*Streamer, store.Store, *store.Session) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	sess := &store.Session{ProjectPath: "/tmp/project"}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return New(s, nil, command, ":memory:"), s, sess
}

// scriptCommand runs script as a shell subprocess, letting tests script the
// agent's stdout without spawning a real agent binary.
func scriptCommand(script string) CommandBuilder {
	return func(ctx context.Context, in Input) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "sh", "-c", script), nil
	}
}

func storedEvents(t *testing.T, s store.Store, sessionID string) []*store.Event {
	t.Helper()
	events, err := s.ListEventsSince(context.Background(), sessionID, time.Time{})
	if err != nil {
		t.Fatalf("ListEventsSince failed: %v", err)
	}
	return events
}

func TestRun_NormalCompletion_SessionRotationAndParentChaining(t *testing.T) {
	script := `
printf '%s\n' '{"type":"system","session_id":"sess-a"}'
printf '%s\n' '{"type":"assistant","session_id":"sess-a","message":{"content":[{"type":"text","text":"hi"}]}}'
printf '%s\n' '{"type":"result","session_id":"sess-b"}'
`
	streamer, s, sess := newTestStreamer(t, scriptCommand(script))

	result, err := streamer.Run(context.Background(), sess.ID, Input{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.LastSessionID != "sess-b" {
		t.Errorf("expected rotated session id sess-b, got %q", result.LastSessionID)
	}

	events := storedEvents(t, s, sess.ID)
	if len(events) != 3 {
		t.Fatalf("expected 3 stored events, got %d", len(events))
	}
	if events[0].ParentUUID != nil {
		t.Errorf("expected first event to have no parent, got %v", *events[0].ParentUUID)
	}
	for i := 1; i < len(events); i++ {
		if events[i].ParentUUID == nil || *events[i].ParentUUID != events[i-1].UUID {
			t.Errorf("event %d: expected parent %q, got %v", i, events[i-1].UUID, events[i].ParentUUID)
		}
	}
	if events[2].SessionID != "sess-b" {
		t.Errorf("expected result event to carry rotated session id, got %q", events[2].SessionID)
	}
}

func TestRun_ToolResultOnlyUserMessageStoredInvisible(t *testing.T) {
	script := `
printf '%s\n' '{"type":"system","session_id":"sess-a"}'
printf '%s\n' '{"type":"assistant","session_id":"sess-a","message":{"content":[{"type":"tool_use","id":"tu-1","name":"Read"}]}}'
printf '%s\n' '{"type":"user","session_id":"sess-a","message":{"content":[{"type":"tool_result","tool_use_id":"tu-1","content":"file contents"}]}}'
printf '%s\n' '{"type":"user","session_id":"sess-a","message":{"content":[{"type":"text","text":"thanks"}]}}'
printf '%s\n' '{"type":"result","session_id":"sess-a"}'
`
	streamer, s, sess := newTestStreamer(t, scriptCommand(script))

	if _, err := streamer.Run(context.Background(), sess.ID, Input{Prompt: "hello"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := storedEvents(t, s, sess.ID)
	if len(events) != 5 {
		t.Fatalf("expected 5 stored events, got %d", len(events))
	}
	if events[0].Visible {
		t.Error("expected system frame to be stored invisible")
	}
	if !events[1].Visible {
		t.Error("expected assistant tool_use message to be stored visible")
	}
	if events[2].Visible {
		t.Error("expected tool_result-only user message to be stored invisible")
	}
	if !events[3].Visible {
		t.Error("expected plain-text user message to be stored visible")
	}
}

func TestRun_DeferredAbort_DiscardsTriggeringAssistantMessage(t *testing.T) {
	script := `
printf '%s\n' '{"type":"system","session_id":"sess-a"}'
sleep 0.3
printf '%s\n' '{"type":"assistant","session_id":"sess-a","message":{"content":[]}}'
sleep 5
`
	streamer, s, sess := newTestStreamer(t, scriptCommand(script))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	result, err := streamer.Run(ctx, sess.ID, Input{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil result")
	}

	events := storedEvents(t, s, sess.ID)
	for _, e := range events {
		if e.EventType == TypeAssistant {
			t.Errorf("expected the triggering assistant message to be discarded, found one stored")
		}
	}
}

func TestRun_PostAssistantAbort_StoresCurrentMessageAndStops(t *testing.T) {
	script := `
printf '%s\n' '{"type":"system","session_id":"sess-a"}'
printf '%s\n' '{"type":"assistant","session_id":"sess-a","message":{"content":[]}}'
sleep 5
`
	streamer, s, sess := newTestStreamer(t, scriptCommand(script))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	result, err := streamer.Run(ctx, sess.ID, Input{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil result")
	}

	events := storedEvents(t, s, sess.ID)
	var sawAssistant bool
	for _, e := range events {
		if e.EventType == TypeAssistant {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Error("expected the assistant message seen before abort to be stored")
	}
}

func TestRun_Timeout(t *testing.T) {
	script := `sleep 5`
	streamer, _, sess := newTestStreamer(t, scriptCommand(script))

	_, err := streamer.Run(context.Background(), sess.ID, Input{Prompt: "hello", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRun_ResumeFailureFallback(t *testing.T) {
	script := `exit 1`
	streamer, _, sess := newTestStreamer(t, scriptCommand(script))

	result, err := streamer.Run(context.Background(), sess.ID, Input{Prompt: "hello", ResumeSessionID: "resume-id"})
	if err != nil {
		t.Fatalf("expected the resume-failure fallback to swallow the error, got %v", err)
	}
	if result.LastSessionID != "resume-id" {
		t.Errorf("expected fallback to the original resume id, got %q", result.LastSessionID)
	}
}

func TestRun_FailureWithoutResumeIDPropagates(t *testing.T) {
	script := `exit 1`
	streamer, _, sess := newTestStreamer(t, scriptCommand(script))

	_, err := streamer.Run(context.Background(), sess.ID, Input{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected an error when the agent fails with no resume id to fall back to")
	}
}

func TestRealCommand_DefaultModeWritesMCPConfigAndPrefixesToolName(t *testing.T) {
	in := Input{
		Prompt:                   "hello",
		ProjectPath:              "/tmp/project",
		PermissionMode:           PermissionModeDefault,
		PermissionPromptToolName: "request_permission",
		MemvaSessionID:           "sess-a",
		DatabasePath:             "/tmp/memva.db",
	}

	cmd, err := RealCommand(context.Background(), in)
	if err != nil {
		t.Fatalf("RealCommand failed: %v", err)
	}

	args := cmd.Args
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--permission-prompt-tool mcp__permissions__request_permission") {
		t.Errorf("expected prefixed permission-prompt-tool flag, got args %v", args)
	}

	configPath := flagValue(t, args, "--mcp-config")
	defer os.Remove(configPath)
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading mcp config file failed: %v", err)
	}

	var cfg struct {
		MCPServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal mcp config failed: %v", err)
	}
	server, ok := cfg.MCPServers["permissions"]
	if !ok {
		t.Fatal("expected a \"permissions\" mcp server entry")
	}
	if server.Command != "memva-mcpsidecar" {
		t.Errorf("expected memva-mcpsidecar as the server command, got %q", server.Command)
	}
	wantArgs := []string{"--session-id", "sess-a", "--db", "/tmp/memva.db"}
	if len(server.Args) != len(wantArgs) {
		t.Fatalf("expected args %v, got %v", wantArgs, server.Args)
	}
	for i, a := range wantArgs {
		if server.Args[i] != a {
			t.Errorf("arg %d: expected %q, got %q", i, a, server.Args[i])
		}
	}
}

func TestRealCommand_BypassPermissionsSkipsMCPConfig(t *testing.T) {
	in := Input{
		Prompt:         "hello",
		ProjectPath:    "/tmp/project",
		PermissionMode: PermissionModeBypassPermissions,
	}

	cmd, err := RealCommand(context.Background(), in)
	if err != nil {
		t.Fatalf("RealCommand failed: %v", err)
	}

	joined := strings.Join(cmd.Args, " ")
	if strings.Contains(joined, "--mcp-config") {
		t.Errorf("expected no --mcp-config flag in bypass mode, got args %v", cmd.Args)
	}
	if !strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Errorf("expected --dangerously-skip-permissions, got args %v", cmd.Args)
	}
}

func flagValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %q not found in args %v", flag, args)
	return ""
}
