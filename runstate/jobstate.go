// Package runstate provides the state machines for job and permission-request
// lifecycles: the valid states, the transitions between them, and the
// database/sql Scanner/Valuer glue needed to store them as plain TEXT columns.
package runstate

import (
	"database/sql/driver"
	"fmt"
)

// JobStatus represents the current status of a queued job.
//
// Valid transitions:
//
//	pending   -> running             (worker claims the job)
//	running   -> completed           (handler returned no error)
//	running   -> pending             (handler failed, attempts remain; scheduled_at pushed out)
//	running   -> failed              (handler failed, attempts exhausted)
//	pending   -> cancelled
//	running   -> cancelled
//
// Terminal states (completed, failed, cancelled) never transition further.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// AllJobStatuses returns every valid JobStatus.
func AllJobStatuses() []JobStatus {
	return []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled}
}

// TerminalJobStatuses returns the statuses a job cannot leave once reached.
func TerminalJobStatuses() []JobStatus {
	return []JobStatus{JobCompleted, JobFailed, JobCancelled}
}

// IsValid reports whether s is one of the known job statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to target is legal.
// Terminal statuses never transition further.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if s == target {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobPending:
		return target == JobRunning || target == JobCancelled
	case JobRunning:
		return target == JobCompleted || target == JobFailed || target == JobPending || target == JobCancelled
	}
	return false
}

// String implements fmt.Stringer.
func (s JobStatus) String() string {
	return string(s)
}

// Value implements driver.Valuer.
func (s JobStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *JobStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.fromString(v)
	case []byte:
		return s.fromString(string(v))
	default:
		return fmt.Errorf("runstate: cannot scan type %T into JobStatus", src)
	}
}

func (s *JobStatus) fromString(v string) error {
	status := JobStatus(v)
	if !status.IsValid() {
		return fmt.Errorf("runstate: invalid job status %q", v)
	}
	*s = status
	return nil
}

// JobTransition is a (From, To) pair, validated as a unit.
type JobTransition struct {
	From JobStatus
	To   JobStatus
}

// Validate returns an error describing why the transition is invalid, or nil.
func (t JobTransition) Validate() error {
	if !t.From.IsValid() {
		return fmt.Errorf("runstate: invalid source job status %q", t.From)
	}
	if !t.To.IsValid() {
		return fmt.Errorf("runstate: invalid target job status %q", t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("runstate: invalid job transition from %q to %q", t.From, t.To)
	}
	return nil
}
