// Package store provides the embedded relational store backing Memva:
// sessions, their event logs, the job queue, permission requests, and the
// singleton settings row. All mutations flow through a single writer per
// process; readers may run concurrently.
package store

import (
	"context"
	"time"

	"github.com/mzxrai/memva/runstate"
)

// Session is a unit of user work rooted at a project directory.
type Session struct {
	ID           string
	Title        *string
	ProjectPath  string
	Status       SessionStatus
	ClaudeStatus ClaudeStatus
	Settings     *SessionSettings
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionStatus is a Session's archival status.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// IsValid reports whether s is a known session status.
func (s SessionStatus) IsValid() bool {
	return s == SessionActive || s == SessionArchived
}

// ClaudeStatus is the single source of truth for "is a run in progress".
type ClaudeStatus string

const (
	ClaudeNotStarted      ClaudeStatus = "not_started"
	ClaudeProcessing      ClaudeStatus = "processing"
	ClaudeWaitingForInput ClaudeStatus = "waiting_for_input"
	ClaudeCompleted       ClaudeStatus = "completed"
	ClaudeError           ClaudeStatus = "error"
)

// IsValid reports whether c is a known claude status.
func (c ClaudeStatus) IsValid() bool {
	switch c {
	case ClaudeNotStarted, ClaudeProcessing, ClaudeWaitingForInput, ClaudeCompleted, ClaudeError:
		return true
	default:
		return false
	}
}

// SessionSettings overrides global Settings for one session.
type SessionSettings struct {
	MaxTurns         *int    `json:"maxTurns,omitempty"`
	PermissionMode   *string `json:"permissionMode,omitempty"`
	DefaultDirectory *string `json:"defaultDirectory,omitempty"`
}

// Event type tags for the agent's tagged-message wire protocol, mirrored in
// the stored event_type column.
const (
	EventTypeSystem    = "system"
	EventTypeUser      = "user"
	EventTypeAssistant = "assistant"
	EventTypeResult    = "result"
)

// Event is one atomic message in a session's conversation log.
type Event struct {
	UUID            string
	MemvaSessionID  string
	SessionID       string
	EventType       string
	Timestamp       time.Time
	ParentUUID      *string
	IsSidechain     bool
	Cwd             string
	ProjectName     string
	Data            []byte
	Visible         bool
	SyncedAt        time.Time
}

// Job is a unit of background work dispatched through the worker pool.
type Job struct {
	ID          int64
	Type        string
	Data        []byte
	Status      runstate.JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	Error       *string
	Result      []byte
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Job type names enumerated by the data model.
const (
	JobTypeSessionRunner    = "session-runner"
	JobTypeMaintenance      = "maintenance"
	JobTypeSessionSync      = "session-sync"
	JobTypeDatabaseVacuum   = "database-vacuum"
	JobTypeDatabaseBackup   = "database-backup"
)

// Informative default priorities, per the job queue's priority table.
const (
	PrioritySessionRunner = 5
	PrioritySessionSync   = 5
	PriorityMaintenance   = 3
	PriorityBackup        = 2
	PriorityVacuum        = 1
)

// PermissionRequest is the agent's request to use a sensitive tool.
type PermissionRequest struct {
	ID         string
	SessionID  string
	ToolName   string
	ToolUseID  string
	Input      []byte
	Status     runstate.PermissionStatus
	Decision   *runstate.Decision
	DecidedAt  *time.Time
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// PermissionExpiry is how long a pending request remains answerable.
const PermissionExpiry = 24 * time.Hour

// Settings is the singleton configuration row; Session.Settings overrides it.
type Settings struct {
	MaxTurns         int
	PermissionMode   string
	DefaultDirectory string
}

// JobFilter narrows List queries by type and/or status; zero values match all.
type JobFilter struct {
	Type   string
	Status runstate.JobStatus
	Limit  int
}

// JobStats is a status/type count rollup used for queue observability.
type JobStats struct {
	ByStatus map[runstate.JobStatus]int
	ByType   map[string]int
}

// PermissionFilter narrows ListPermissionRequests by session and/or status;
// zero values match all.
type PermissionFilter struct {
	SessionID string
	Status    runstate.PermissionStatus
}

// SessionLatestMessage pairs a session id with the latest assistant event
// found for it, for batched homepage-style reads. Event is nil if the
// session has no assistant events yet.
type SessionLatestMessage struct {
	SessionID string
	Event     *Event
}

// Store is the full set of operations Memva performs against persisted
// state. All mutating methods are durable on return; readers observe either
// the pre- or post-state of any given mutation, never a partial write.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, status SessionStatus) ([]*Session, error)
	UpdateClaudeStatus(ctx context.Context, id string, status ClaudeStatus) error
	UpdateSessionSettings(ctx context.Context, id string, settings *SessionSettings) error
	ArchiveSession(ctx context.Context, id string) error

	// Events.
	AppendEvent(ctx context.Context, e *Event) (*Event, error)
	ListEventsSince(ctx context.Context, memvaSessionID string, since time.Time) ([]*Event, error)
	LatestNonEmptyAgentSessionID(ctx context.Context, memvaSessionID string) (string, error)
	LatestEvent(ctx context.Context, memvaSessionID string) (*Event, error)
	LatestAssistantMessagePerSession(ctx context.Context, sessionIDs []string) ([]SessionLatestMessage, error)
	PendingPermissionsCountPerSession(ctx context.Context, sessionIDs []string) (map[string]int, error)
	HasNewerUserEvent(ctx context.Context, memvaSessionID string, after time.Time) (bool, error)

	// Jobs.
	EnqueueJob(ctx context.Context, j *Job) (*Job, error)
	ClaimNextDue(ctx context.Context, workerID string, now time.Time) (*Job, error)
	CompleteJob(ctx context.Context, jobID int64, result []byte) error
	FailJob(ctx context.Context, jobID int64, cause error, backoff func(attempts int) time.Duration, now time.Time) error
	CancelJob(ctx context.Context, jobID int64) error
	GetJob(ctx context.Context, jobID int64) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	RecoverStaleJobs(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)
	JobStats(ctx context.Context) (*JobStats, error)
	ActiveSessionRunnerJob(ctx context.Context, sessionID string) (*Job, error)

	// Permission requests.
	CreatePermissionRequest(ctx context.Context, p *PermissionRequest) (*PermissionRequest, error)
	GetPermissionRequest(ctx context.Context, id string) (*PermissionRequest, error)
	DecidePermissionRequest(ctx context.Context, id string, decision runstate.Decision, now time.Time) error
	ExpirePermissionsAfterUserMessage(ctx context.Context, sessionID string, userEventTimestamp time.Time) (int, error)
	ExpireStalePermissions(ctx context.Context, now time.Time) (int, error)
	PendingPermissionForSession(ctx context.Context, sessionID string) (*PermissionRequest, error)
	SetPermissionStatus(ctx context.Context, id string, status runstate.PermissionStatus, now time.Time) error
	ListPermissionRequests(ctx context.Context, filter PermissionFilter) ([]*PermissionRequest, error)

	// Settings.
	GetSettings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, s *Settings) error

	// Database file lifecycle.
	Vacuum(ctx context.Context) error
	BackupTo(ctx context.Context, path string) error

	// Transaction helper and lifecycle.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Stats(ctx context.Context) (*JobStats, error)
	Close() error
}
