package agentstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/mzxrai/memva/memvalog"
	"github.com/mzxrai/memva/store"
)

// Permission modes the agent subprocess can run under.
const (
	PermissionModeDefault           = "default"
	PermissionModeAcceptEdits       = "acceptEdits"
	PermissionModeBypassPermissions = "bypassPermissions"
	PermissionModePlan              = "plan"
)

// DefaultTimeout is how long a run is allowed before the streamer aborts it
// with ErrTimeout.
const DefaultTimeout = 30 * time.Minute

// ErrTimeout is returned when the global deadline fires before the agent
// produces a result frame. Unlike a user-initiated abort, this error
// propagates to the caller so the job is marked failed.
var ErrTimeout = errors.New("agentstream: timed out")

// Input is one invocation of the agent subprocess.
type Input struct {
	Prompt                   string
	ProjectPath              string
	ResumeSessionID          string
	InitialParentUUID        string
	MaxTurns                 int
	PermissionMode           string
	PermissionPromptToolName string
	Timeout                  time.Duration

	// MemvaSessionID and DatabasePath are filled in by Run, not the caller:
	// they let RealCommand point the agent subprocess's MCP sidecar config
	// at the right session and the same database file the worker process
	// itself has open.
	MemvaSessionID string
	DatabasePath   string

	// OnEvent fires for every message read off the subprocess, before it is
	// persisted.
	OnEvent func(Message)
	// OnStoredEvent fires only after the Store has committed the event, so
	// downstream fan-out never observes an event that isn't durable yet.
	OnStoredEvent func(*store.Event)
}

// Result is what Run returns on completion.
type Result struct {
	// LastSessionID is the agent's own session id as of the last rotation
	// seen (or the original ResumeSessionID on resume-failure fallback).
	LastSessionID string
}

// CommandBuilder constructs the subprocess command for one Input. The
// default is RealCommand; tests substitute a fake to avoid spawning a real
// agent binary.
type CommandBuilder func(ctx context.Context, in Input) (*exec.Cmd, error)

// Streamer drives the external agent subprocess and persists its output as
// events, one event row per message, chained by parent_uuid.
type Streamer struct {
	store        store.Store
	logger       memvalog.Logger
	command      CommandBuilder
	databasePath string
}

// New returns a Streamer. If command is nil, RealCommand is used.
// databasePath is threaded into every Input so RealCommand can point the
// agent subprocess's MCP sidecar at the same database file.
func New(s store.Store, logger memvalog.Logger, command CommandBuilder, databasePath string) *Streamer {
	if command == nil {
		command = RealCommand
	}
	return &Streamer{
		store:        s,
		logger:       memvalog.OrDiscard(logger),
		command:      command,
		databasePath: databasePath,
	}
}

// mcpSidecarBinary is the executable name of the permission sidecar,
// resolved on PATH the same way the agent binary itself is.
const mcpSidecarBinary = "memva-mcpsidecar"

// mcpServerConfig is one entry of an MCP config file's top-level
// "mcpServers" object, the shape the agent binary's --mcp-config flag
// expects: a server name mapped to the child process that serves it.
type mcpServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// writeMCPConfig writes a one-server MCP config file naming the permission
// sidecar, returning its path. The agent subprocess execs this file's
// "permissions" server as its own child to reach ToolName.
func writeMCPConfig(in Input) (string, error) {
	cfg := map[string]map[string]mcpServerConfig{
		"mcpServers": {
			"permissions": {
				Command: mcpSidecarBinary,
				Args:    []string{"--session-id", in.MemvaSessionID, "--db", in.DatabasePath},
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("agentstream: marshal mcp config: %w", err)
	}
	f, err := os.CreateTemp("", "memva-mcp-config-*.json")
	if err != nil {
		return "", fmt.Errorf("agentstream: create mcp config file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("agentstream: write mcp config file: %w", err)
	}
	return f.Name(), nil
}

// RealCommand builds the actual `claude` subprocess invocation. The agent
// binary is expected on PATH. When permission prompting is active, it also
// writes a one-off MCP config file pointing the agent at mcpSidecarBinary
// (also expected on PATH) so --permission-prompt-tool names a tool the
// agent can actually reach.
func RealCommand(ctx context.Context, in Input) (*exec.Cmd, error) {
	args := []string{"--output-format", "stream-json", "--print", in.Prompt}
	args = append(args, "--cwd", in.ProjectPath)
	if in.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(in.MaxTurns))
	}
	if in.ResumeSessionID != "" {
		args = append(args, "--resume", in.ResumeSessionID)
	}
	if in.PermissionMode != "" && in.PermissionMode != PermissionModeBypassPermissions {
		mcpConfigPath, err := writeMCPConfig(in)
		if err != nil {
			return nil, err
		}
		args = append(args, "--mcp-config", mcpConfigPath)
		args = append(args, "--permission-prompt-tool", "mcp__permissions__"+in.PermissionPromptToolName)
		args = append(args, "--allowed-tools", "Read,mcp__permissions__"+in.PermissionPromptToolName)
	}
	if in.PermissionMode == PermissionModeBypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = in.ProjectPath
	return cmd, nil
}

// Run feeds prompt to the agent subprocess and persists its output. See
// package doc and the abort-semantics comments inline for the exact
// cooperative-abort and resume-failure-fallback behavior.
func (s *Streamer) Run(ctx context.Context, memvaSessionID string, in Input) (*Result, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in.MemvaSessionID = memvaSessionID
	in.DatabasePath = s.databasePath
	cmd, err := s.command(runCtx, in)
	if err != nil {
		return nil, fmt.Errorf("agentstream: build command: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentstream: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentstream: start agent: %w", err)
	}

	lines := make(chan []byte)
	done := make(chan struct{})
	scanErrCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-done:
				scanErrCh <- nil
				return
			}
		}
		scanErrCh <- scanner.Err()
	}()

	result, runErr := s.consume(runCtx, memvaSessionID, in, lines)
	// consume may return before the subprocess exits on its own (result
	// frame reached, or abort accepted); closing done unblocks the scanner
	// goroutine and cancelling reaps the subprocess rather than leaking it.
	close(done)
	cancel()
	waitErr := cmd.Wait()
	if scanErr := <-scanErrCh; scanErr != nil && runErr == nil {
		runErr = fmt.Errorf("agentstream: reading agent output: %w", scanErr)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	if runErr != nil {
		if result.sawAnyMessage {
			return nil, fmt.Errorf("agentstream: run failed: %w", runErr)
		}
		return s.resumeFailureFallback(in, runErr)
	}
	if waitErr != nil && result.sawAnyMessage {
		// The agent exited non-zero after producing output; treat the
		// accumulated result as authoritative rather than failing the run.
		s.logger.Warn("agent exited non-zero after producing output", "error", waitErr)
	} else if waitErr != nil {
		return s.resumeFailureFallback(in, waitErr)
	}

	return &Result{LastSessionID: result.lastSessionID}, nil
}

type consumeResult struct {
	lastSessionID string
	sawAnyMessage bool
}

// consume implements the cooperative-abort state machine: a pre-first-
// assistant-message abort is deferred until that message arrives (and then
// discards it), while a post-first-assistant-message abort stores the
// current message and stops immediately.
func (s *Streamer) consume(ctx context.Context, memvaSessionID string, in Input, lines <-chan []byte) (consumeResult, error) {
	var (
		lastSessionID   = in.ResumeSessionID
		parentUUID      = in.InitialParentUUID
		hasParent       = in.InitialParentUUID != ""
		hasAssistantMsg bool
		abortRequested  bool
		abortAccepted   bool
		result          consumeResult
	)

	for {
		select {
		case <-ctx.Done():
			abortRequested = true
			if !hasAssistantMsg {
				// Deferred: the agent's session id isn't established yet.
				// Keep draining until an assistant message arrives or the
				// subprocess itself exits.
				continue
			}
			abortAccepted = true
		case line, ok := <-lines:
			if !ok {
				return result, nil
			}
			msg := ParseMessage(line)
			result.sawAnyMessage = true

			if in.OnEvent != nil {
				in.OnEvent(msg)
			}

			// Session-id rotation is recorded the instant it's observed:
			// the very event persisted below carries the rotated id as its
			// session_id column, so a crash right after this line still
			// leaves the rotation durable.
			if sid := msg.SessionID(); sid != "" && sid != lastSessionID {
				lastSessionID = sid
				result.lastSessionID = sid
			}

			if abortRequested && !hasAssistantMsg && !msg.IsAssistant() {
				// Still waiting for the deferred abort's trigger condition;
				// store only the initial system message, nothing else.
				if msg.Type() != TypeSystem {
					continue
				}
			}

			if msg.IsAssistant() {
				if abortRequested && !hasAssistantMsg {
					// This is the triggering assistant message: abort takes
					// effect now and this message is discarded, per the
					// deferred-abort rule.
					return result, nil
				}
				hasAssistantMsg = true
			}

			event, err := s.store.AppendEvent(ctx, &store.Event{
				UUID:           uuid.New().String(),
				MemvaSessionID: memvaSessionID,
				SessionID:      lastSessionID,
				EventType:      msg.Type(),
				Timestamp:      time.Now().UTC(),
				ParentUUID:     parentUUIDPtr(hasParent, parentUUID),
				Data:           msg.Raw,
				Visible:        msg.Type() != TypeSystem && !msg.IsToolResultOnly(),
			})
			if err != nil {
				return result, fmt.Errorf("agentstream: append event: %w", err)
			}
			parentUUID = event.UUID
			hasParent = true

			if in.OnStoredEvent != nil {
				in.OnStoredEvent(event)
			}

			if msg.IsResult() {
				return result, nil
			}
			if abortAccepted {
				return result, nil
			}
		}
	}
}

func parentUUIDPtr(has bool, id string) *string {
	if !has {
		return nil
	}
	return &id
}

// resumeFailureFallback implements the "swallow the error and return the
// original resume id" rule: if the agent produced no messages at all and a
// ResumeSessionID was supplied, the failure is not surfaced.
func (s *Streamer) resumeFailureFallback(in Input, runErr error) (*Result, error) {
	if in.ResumeSessionID != "" {
		s.logger.Warn("agent run failed with no messages, falling back to resume id", "error", runErr)
		return &Result{LastSessionID: in.ResumeSessionID}, nil
	}
	return nil, fmt.Errorf("agentstream: run failed: %w", runErr)
}

// ToolAllowlist returns the tools the agent subprocess may invoke directly
// without going through the permission broker, for the given mode.
func ToolAllowlist(mode, permissionPromptToolName string) []string {
	if mode == PermissionModeBypassPermissions {
		return nil
	}
	return []string{"Read", permissionPromptToolName}
}
