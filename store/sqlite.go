package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mzxrai/memva/runstate"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrPermissionNotPending is returned by DecidePermissionRequest and
// SetPermissionStatus when the request has already left the pending state.
var ErrPermissionNotPending = errors.New("store: permission request is not pending")

// maxBusyRetries bounds how many times a writer retries after SQLITE_BUSY
// before giving up; modernc.org/sqlite surfaces contention this way since
// WAL mode still allows only one writer at a time.
const maxBusyRetries = 5

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT,
	project_path TEXT NOT NULL,
	status TEXT NOT NULL,
	claude_status TEXT NOT NULL,
	settings_json TEXT,
	metadata_json TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	uuid TEXT PRIMARY KEY,
	memva_session_id TEXT NOT NULL REFERENCES sessions(id),
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	parent_uuid TEXT,
	is_sidechain INTEGER NOT NULL DEFAULT 0,
	cwd TEXT NOT NULL DEFAULT '',
	project_name TEXT NOT NULL DEFAULT '',
	data_json TEXT NOT NULL,
	visible INTEGER NOT NULL DEFAULT 1,
	synced_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_memva_session_id ON events(memva_session_id);
CREATE INDEX IF NOT EXISTS idx_events_memva_session_timestamp ON events(memva_session_id, timestamp);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	data_json TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	error TEXT,
	result_json TEXT,
	scheduled_at DATETIME,
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_priority ON jobs(status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS permission_requests (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	tool_name TEXT NOT NULL,
	tool_use_id TEXT NOT NULL,
	input_json TEXT NOT NULL,
	status TEXT NOT NULL,
	decision TEXT,
	decided_at DATETIME,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_permission_requests_session_status ON permission_requests(session_id, status);
CREATE INDEX IF NOT EXISTS idx_permission_requests_expires_at ON permission_requests(expires_at);

CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	max_turns INTEGER NOT NULL,
	permission_mode TEXT NOT NULL,
	default_directory TEXT NOT NULL
);
`

// SQLiteStore implements Store against an embedded modernc.org/sqlite
// database file, one per environment. All mutations are serialized through
// writeMu since the driver allows only one writer at a time under WAL.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if absent) the sqlite file at path, enables foreign
// keys and WAL journaling, and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSettingsRow(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSettingsRow() error {
	_, err := s.db.Exec(`
		INSERT INTO settings (id, max_turns, permission_mode, default_directory)
		VALUES (1, 50, 'default', '.')
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("store: seed settings: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum rebuilds the database file to reclaim space from deleted rows.
// Takes writeMu for its duration since VACUUM requires exclusive access.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}

// BackupTo writes a consistent snapshot of the database to path using
// SQLite's online backup (VACUUM INTO), which does not block concurrent
// readers.
func (s *SQLiteStore) BackupTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("store: backup to %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single transaction, retrying on SQLITE_BUSY up to
// maxBusyRetries times before surfacing the error. Writers are additionally
// serialized by writeMu since WAL still allows only one writer at a time.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}

		err = fn(WithTx(ctx, tx))
		if err != nil {
			tx.Rollback()
			if isBusyErr(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isBusyErr(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	}
	return fmt.Errorf("store: gave up after %d attempts: %w", maxBusyRetries, lastErr)
}

func isBusyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// ---- Sessions ----

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	if sess.ClaudeStatus == "" {
		sess.ClaudeStatus = ClaudeNotStarted
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now

	settingsJSON, err := marshalNullable(sess.Settings)
	if err != nil {
		return fmt.Errorf("store: marshal session settings: %w", err)
	}
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal session metadata: %w", err)
	}

	_, err = s.getQuerier(ctx).ExecContext(ctx, `
		INSERT INTO sessions (id, title, project_path, status, claude_status, settings_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Title, sess.ProjectPath, sess.Status, sess.ClaudeStatus, settingsJSON, metadataJSON, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT id, title, project_path, status, claude_status, settings_json, metadata_json, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, status SessionStatus) ([]*Session, error) {
	query := `SELECT id, title, project_path, status, claude_status, settings_json, metadata_json, created_at, updated_at FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.getQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var title sql.NullString
	var settingsJSON, metadataJSON []byte
	if err := row.Scan(
		&sess.ID, &title, &sess.ProjectPath, &sess.Status, &sess.ClaudeStatus,
		&settingsJSON, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if title.Valid {
		sess.Title = &title.String
	}
	if len(settingsJSON) > 0 {
		var settings SessionSettings
		if err := json.Unmarshal(settingsJSON, &settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
		sess.Settings = &settings
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateClaudeStatus(ctx context.Context, id string, status ClaudeStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("store: invalid claude status %q", status)
	}
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE sessions SET claude_status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update claude status: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLiteStore) UpdateSessionSettings(ctx context.Context, id string, settings *SessionSettings) error {
	settingsJSON, err := marshalNullable(settings)
	if err != nil {
		return fmt.Errorf("store: marshal session settings: %w", err)
	}
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE sessions SET settings_json = ?, updated_at = ? WHERE id = ?
	`, settingsJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update session settings: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`, SessionArchived, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: archive session: %w", err)
	}
	return requireOneRow(res)
}

// ---- Events ----

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) (*Event, error) {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.SyncedAt = time.Now().UTC()

	_, err := s.getQuerier(ctx).ExecContext(ctx, `
		INSERT INTO events (uuid, memva_session_id, session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data_json, visible, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.UUID, e.MemvaSessionID, e.SessionID, e.EventType, e.Timestamp, e.ParentUUID, e.IsSidechain, e.Cwd, e.ProjectName, e.Data, e.Visible, e.SyncedAt)
	if err != nil {
		return nil, fmt.Errorf("store: append event: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListEventsSince(ctx context.Context, memvaSessionID string, since time.Time) ([]*Event, error) {
	rows, err := s.getQuerier(ctx).QueryContext(ctx, `
		SELECT uuid, memva_session_id, session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data_json, visible, synced_at
		FROM events
		WHERE memva_session_id = ? AND timestamp > ?
		ORDER BY timestamp DESC
	`, memvaSessionID, since)
	if err != nil {
		return nil, fmt.Errorf("store: list events since: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Caller wants oldest-first for display; query ordered newest-first so a
	// LIMIT (not used here) would bound the most recent events first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanEvent(row scannable) (*Event, error) {
	var e Event
	var parentUUID sql.NullString
	if err := row.Scan(
		&e.UUID, &e.MemvaSessionID, &e.SessionID, &e.EventType, &e.Timestamp,
		&parentUUID, &e.IsSidechain, &e.Cwd, &e.ProjectName, &e.Data, &e.Visible, &e.SyncedAt,
	); err != nil {
		return nil, err
	}
	if parentUUID.Valid {
		e.ParentUUID = &parentUUID.String
	}
	return &e, nil
}

func (s *SQLiteStore) LatestEvent(ctx context.Context, memvaSessionID string) (*Event, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT uuid, memva_session_id, session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data_json, visible, synced_at
		FROM events WHERE memva_session_id = ? ORDER BY timestamp DESC LIMIT 1
	`, memvaSessionID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest event: %w", err)
	}
	return e, nil
}

// HasNewerUserEvent reports whether a user-authored event exists in the
// session with a timestamp strictly after `after` — the permission broker's
// answerability precondition "no newer user event since the request".
func (s *SQLiteStore) HasNewerUserEvent(ctx context.Context, memvaSessionID string, after time.Time) (bool, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM events
			WHERE memva_session_id = ? AND event_type = ? AND timestamp > ?
		)
	`, memvaSessionID, EventTypeUser, after)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("store: has newer user event: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) LatestNonEmptyAgentSessionID(ctx context.Context, memvaSessionID string) (string, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT session_id FROM events
		WHERE memva_session_id = ? AND session_id != ''
		ORDER BY timestamp DESC LIMIT 1
	`, memvaSessionID)
	var sessionID string
	err := row.Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: latest agent session id: %w", err)
	}
	return sessionID, nil
}

// LatestAssistantMessagePerSession runs one ordered query across all of
// sessionIDs instead of one query per session.
func (s *SQLiteStore) LatestAssistantMessagePerSession(ctx context.Context, sessionIDs []string) ([]SessionLatestMessage, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(sessionIDs)

	rows, err := s.getQuerier(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT uuid, memva_session_id, session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data_json, visible, synced_at
		FROM events
		WHERE memva_session_id IN (%s) AND event_type = 'assistant'
		ORDER BY memva_session_id, timestamp DESC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("store: latest assistant message per session: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]*Event, len(sessionIDs))
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if _, seen := latest[e.MemvaSessionID]; !seen {
			latest[e.MemvaSessionID] = e
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]SessionLatestMessage, len(sessionIDs))
	for i, id := range sessionIDs {
		out[i] = SessionLatestMessage{SessionID: id, Event: latest[id]}
	}
	return out, nil
}

func (s *SQLiteStore) PendingPermissionsCountPerSession(ctx context.Context, sessionIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return counts, nil
	}
	placeholders, args := inClause(sessionIDs)
	args = append(args, runstate.PermissionPending)

	rows, err := s.getQuerier(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT session_id, COUNT(*) FROM permission_requests
		WHERE session_id IN (%s) AND status = ?
		GROUP BY session_id
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("store: pending permissions count per session: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

func inClause(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}

// ---- Jobs ----

func (s *SQLiteStore) EnqueueJob(ctx context.Context, j *Job) (*Job, error) {
	if j.Status == "" {
		j.Status = runstate.JobPending
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now

	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		INSERT INTO jobs (type, data_json, status, priority, attempts, max_attempts, error, result_json, scheduled_at, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, NULL, NULL, ?, NULL, NULL, ?, ?)
	`, j.Type, j.Data, j.Status, j.Priority, j.MaxAttempts, j.ScheduledAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: enqueue job id: %w", err)
	}
	j.ID = id
	return j, nil
}

// ClaimNextDue selects the highest-priority, oldest eligible pending job and
// atomically transitions it to running, per the (priority DESC, created_at
// ASC, id ASC) ordering. Jobs whose attempts have already reached max_attempts are
// instead marked failed and skipped, one candidate at a time.
func (s *SQLiteStore) ClaimNextDue(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	var claimed *Job
	err := s.WithTx(ctx, func(ctx context.Context) error {
		for {
			row := s.getQuerier(ctx).QueryRowContext(ctx, `
				SELECT id, type, data_json, status, priority, attempts, max_attempts, error, result_json, scheduled_at, started_at, completed_at, created_at, updated_at
				FROM jobs
				WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT 1
			`, runstate.JobPending, now)
			job, err := scanJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("claim next due: %w", err)
			}

			if job.Attempts >= job.MaxAttempts {
				_, err := s.getQuerier(ctx).ExecContext(ctx, `
					UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?
				`, runstate.JobFailed, "max attempts exceeded", now, now, job.ID)
				if err != nil {
					return fmt.Errorf("fail over-attempted job %d: %w", job.ID, err)
				}
				continue
			}

			_, err = s.getQuerier(ctx).ExecContext(ctx, `
				UPDATE jobs SET status = ?, started_at = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?
			`, runstate.JobRunning, now, now, job.ID)
			if err != nil {
				return fmt.Errorf("claim job %d: %w", job.ID, err)
			}
			job.Status = runstate.JobRunning
			job.StartedAt = &now
			job.Attempts++
			claimed = job
			return nil
		}
	})
	return claimed, err
}

func scanJob(row scannable) (*Job, error) {
	var j Job
	var jobErr sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&j.ID, &j.Type, &j.Data, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&jobErr, &j.Result, &scheduledAt, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if jobErr.Valid {
		j.Error = &jobErr.String
	}
	if scheduledAt.Valid {
		j.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID int64, result []byte) error {
	now := time.Now().UTC()
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_json = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, runstate.JobCompleted, result, now, now, jobID)
	if err != nil {
		return fmt.Errorf("store: complete job: %w", err)
	}
	return requireOneRow(res)
}

// FailJob reschedules with backoff if attempts remain, otherwise marks the
// job permanently failed.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID int64, cause error, backoff func(attempts int) time.Duration, now time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		row := s.getQuerier(ctx).QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, jobID)
		var attempts, maxAttempts int
		if err := row.Scan(&attempts, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("store: fail job lookup: %w", err)
		}

		errMsg := cause.Error()
		if attempts < maxAttempts {
			scheduledAt := now.Add(backoff(attempts))
			_, err := s.getQuerier(ctx).ExecContext(ctx, `
				UPDATE jobs SET status = ?, error = ?, scheduled_at = ?, updated_at = ? WHERE id = ?
			`, runstate.JobPending, errMsg, scheduledAt, now, jobID)
			if err != nil {
				return fmt.Errorf("store: reschedule job: %w", err)
			}
			return nil
		}

		_, err := s.getQuerier(ctx).ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?
		`, runstate.JobFailed, errMsg, now, now, jobID)
		if err != nil {
			return fmt.Errorf("store: fail job: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID int64) error {
	now := time.Now().UTC()
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, runstate.JobCancelled, now, now, jobID, runstate.JobPending, runstate.JobRunning)
	if err != nil {
		return fmt.Errorf("store: cancel job: %w", err)
	}
	return requireOneRow(res)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT id, type, data_json, status, priority, attempts, max_attempts, error, result_json, scheduled_at, started_at, completed_at, created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT id, type, data_json, status, priority, attempts, max_attempts, error, result_json, scheduled_at, started_at, completed_at, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.getQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecoverStaleJobs marks running jobs whose started_at predates
// now.Add(-olderThan) as failed with reason "worker lost", used once at pool
// startup to reclaim jobs abandoned by a prior process.
func (s *SQLiteStore) RecoverStaleJobs(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE status = ? AND started_at < ?
	`, runstate.JobFailed, "worker lost", now, now, runstate.JobRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: recover stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) JobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{ByStatus: map[runstate.JobStatus]int{}, ByType: map[string]int{}}

	rows, err := s.getQuerier(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: job stats by status: %w", err)
	}
	for rows.Next() {
		var status runstate.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.getQuerier(ctx).QueryContext(ctx, `SELECT type, COUNT(*) FROM jobs GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("store: job stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var jobType string
		var count int
		if err := rows.Scan(&jobType, &count); err != nil {
			return nil, err
		}
		stats.ByType[jobType] = count
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*JobStats, error) {
	return s.JobStats(ctx)
}

// ActiveSessionRunnerJob reports the pending-or-running session-runner job
// for a session, if any, used by handlers that must reject duplicate
// in-flight work (the job queue itself does not enforce this).
func (s *SQLiteStore) ActiveSessionRunnerJob(ctx context.Context, sessionID string) (*Job, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT id, type, data_json, status, priority, attempts, max_attempts, error, result_json, scheduled_at, started_at, completed_at, created_at, updated_at
		FROM jobs
		WHERE type = ? AND status IN (?, ?) AND json_extract(data_json, '$.sessionId') = ?
		ORDER BY created_at DESC LIMIT 1
	`, JobTypeSessionRunner, runstate.JobPending, runstate.JobRunning, sessionID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active session runner job: %w", err)
	}
	return j, nil
}

// ---- Permission requests ----

// CreatePermissionRequest supersedes every existing pending request for the
// same session, then inserts the new one, in a single transaction.
func (s *SQLiteStore) CreatePermissionRequest(ctx context.Context, p *PermissionRequest) (*PermissionRequest, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = now.Add(PermissionExpiry)
	}
	p.Status = runstate.PermissionPending

	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.getQuerier(ctx).ExecContext(ctx, `
			UPDATE permission_requests SET status = ?
			WHERE session_id = ? AND status = ?
		`, runstate.PermissionSuperseded, p.SessionID, runstate.PermissionPending); err != nil {
			return fmt.Errorf("supersede pending requests: %w", err)
		}

		_, err := s.getQuerier(ctx).ExecContext(ctx, `
			INSERT INTO permission_requests (id, session_id, tool_name, tool_use_id, input_json, status, decision, decided_at, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		`, p.ID, p.SessionID, p.ToolName, p.ToolUseID, p.Input, p.Status, p.CreatedAt, p.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert permission request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: create permission request: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetPermissionRequest(ctx context.Context, id string) (*PermissionRequest, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT id, session_id, tool_name, tool_use_id, input_json, status, decision, decided_at, created_at, expires_at
		FROM permission_requests WHERE id = ?
	`, id)
	p, err := scanPermissionRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPermissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get permission request: %w", err)
	}
	return p, nil
}

func scanPermissionRequest(row scannable) (*PermissionRequest, error) {
	var p PermissionRequest
	var decision *runstate.Decision
	if err := row.Scan(
		&p.ID, &p.SessionID, &p.ToolName, &p.ToolUseID, &p.Input,
		&p.Status, &decision, &p.DecidedAt, &p.CreatedAt, &p.ExpiresAt,
	); err != nil {
		return nil, err
	}
	p.Decision = decision
	return &p, nil
}

// DecidePermissionRequest applies decision, but only if the request is still
// pending; callers must check the remaining answerability preconditions
// (expiry, active job, no newer user event) themselves before calling.
func (s *SQLiteStore) DecidePermissionRequest(ctx context.Context, id string, decision runstate.Decision, now time.Time) error {
	status := decision.Status()
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE permission_requests SET status = ?, decision = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`, status, decision, now, id, runstate.PermissionPending)
	if err != nil {
		return fmt.Errorf("store: decide permission request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPermissionNotPending
	}
	return nil
}

func (s *SQLiteStore) SetPermissionStatus(ctx context.Context, id string, status runstate.PermissionStatus, now time.Time) error {
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE permission_requests SET status = ? WHERE id = ? AND status = ?
	`, status, id, runstate.PermissionPending)
	if err != nil {
		return fmt.Errorf("store: set permission status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPermissionNotPending
	}
	return nil
}

func (s *SQLiteStore) ExpirePermissionsAfterUserMessage(ctx context.Context, sessionID string, userEventTimestamp time.Time) (int, error) {
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE permission_requests SET status = ?
		WHERE session_id = ? AND status = ? AND created_at <= ?
	`, runstate.PermissionSuperseded, sessionID, runstate.PermissionPending, userEventTimestamp)
	if err != nil {
		return 0, fmt.Errorf("store: expire permissions after user message: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ExpireStalePermissions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE permission_requests SET status = ?
		WHERE status = ? AND expires_at < ?
	`, runstate.PermissionExpired, runstate.PermissionPending, now)
	if err != nil {
		return 0, fmt.Errorf("store: expire stale permissions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) PendingPermissionForSession(ctx context.Context, sessionID string) (*PermissionRequest, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT id, session_id, tool_name, tool_use_id, input_json, status, decision, decided_at, created_at, expires_at
		FROM permission_requests WHERE session_id = ? AND status = ?
	`, sessionID, runstate.PermissionPending)
	p, err := scanPermissionRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: pending permission for session: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPermissionRequests(ctx context.Context, filter PermissionFilter) ([]*PermissionRequest, error) {
	query := `SELECT id, session_id, tool_name, tool_use_id, input_json, status, decision, decided_at, created_at, expires_at FROM permission_requests WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.getQuerier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list permission requests: %w", err)
	}
	defer rows.Close()

	var out []*PermissionRequest
	for rows.Next() {
		p, err := scanPermissionRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan permission request: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- Settings ----

func (s *SQLiteStore) GetSettings(ctx context.Context) (*Settings, error) {
	row := s.getQuerier(ctx).QueryRowContext(ctx, `
		SELECT max_turns, permission_mode, default_directory FROM settings WHERE id = 1
	`)
	var set Settings
	if err := row.Scan(&set.MaxTurns, &set.PermissionMode, &set.DefaultDirectory); err != nil {
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	return &set, nil
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, set *Settings) error {
	_, err := s.getQuerier(ctx).ExecContext(ctx, `
		UPDATE settings SET max_turns = ?, permission_mode = ?, default_directory = ? WHERE id = 1
	`, set.MaxTurns, set.PermissionMode, set.DefaultDirectory)
	if err != nil {
		return fmt.Errorf("store: update settings: %w", err)
	}
	return nil
}

// ---- helpers ----

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
