package runstate

import (
	"database/sql/driver"
	"fmt"
)

// PermissionStatus represents the current status of a permission request
// raised by the agent for a sensitive tool call.
//
//	pending -> approved    (user allows)
//	pending -> denied      (user denies)
//	pending -> timeout     (MCP sidecar gave up waiting)
//	pending -> expired     (maintenance sweep, expires_at passed)
//	pending -> superseded  (a newer request/user message arrived)
//	pending -> cancelled   (the owning session/job was cancelled)
//
// All transitions originate from pending; every other status is terminal.
type PermissionStatus string

const (
	PermissionPending    PermissionStatus = "pending"
	PermissionApproved   PermissionStatus = "approved"
	PermissionDenied     PermissionStatus = "denied"
	PermissionTimeout    PermissionStatus = "timeout"
	PermissionExpired    PermissionStatus = "expired"
	PermissionSuperseded PermissionStatus = "superseded"
	PermissionCancelled  PermissionStatus = "cancelled"
)

// AllPermissionStatuses returns every valid PermissionStatus.
func AllPermissionStatuses() []PermissionStatus {
	return []PermissionStatus{
		PermissionPending,
		PermissionApproved,
		PermissionDenied,
		PermissionTimeout,
		PermissionExpired,
		PermissionSuperseded,
		PermissionCancelled,
	}
}

// IsValid reports whether s is a known permission status.
func (s PermissionStatus) IsValid() bool {
	switch s {
	case PermissionPending, PermissionApproved, PermissionDenied,
		PermissionTimeout, PermissionExpired, PermissionSuperseded, PermissionCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s can no longer transition.
func (s PermissionStatus) IsTerminal() bool {
	return s != PermissionPending
}

// IsDecided reports whether s reflects an explicit user decision. A request's
// decided_at timestamp is set if and only if IsDecided is true.
func (s PermissionStatus) IsDecided() bool {
	return s == PermissionApproved || s == PermissionDenied
}

// GrantsTool reports whether the MCP sidecar should return "allow" to the
// agent for this terminal status. Every non-approved terminal state denies.
func (s PermissionStatus) GrantsTool() bool {
	return s == PermissionApproved
}

// CanTransitionTo reports whether a transition from s to target is legal.
func (s PermissionStatus) CanTransitionTo(target PermissionStatus) bool {
	if s != PermissionPending {
		return false
	}
	switch target {
	case PermissionApproved, PermissionDenied, PermissionTimeout,
		PermissionExpired, PermissionSuperseded, PermissionCancelled:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s PermissionStatus) String() string {
	return string(s)
}

// Value implements driver.Valuer.
func (s PermissionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *PermissionStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.fromString(v)
	case []byte:
		return s.fromString(string(v))
	default:
		return fmt.Errorf("runstate: cannot scan type %T into PermissionStatus", src)
	}
}

func (s *PermissionStatus) fromString(v string) error {
	status := PermissionStatus(v)
	if !status.IsValid() {
		return fmt.Errorf("runstate: invalid permission status %q", v)
	}
	*s = status
	return nil
}

// Decision is the user's answer to a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// IsValid reports whether d is "allow" or "deny".
func (d Decision) IsValid() bool {
	return d == DecisionAllow || d == DecisionDeny
}

// Status returns the terminal PermissionStatus this decision produces.
func (d Decision) Status() PermissionStatus {
	if d == DecisionAllow {
		return PermissionApproved
	}
	return PermissionDenied
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	return string(d)
}

// Value implements driver.Valuer.
func (d Decision) Value() (driver.Value, error) {
	return string(d), nil
}

// Scan implements sql.Scanner.
func (d *Decision) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return d.fromString(v)
	case []byte:
		return d.fromString(string(v))
	default:
		return fmt.Errorf("runstate: cannot scan type %T into Decision", src)
	}
}

func (d *Decision) fromString(v string) error {
	decision := Decision(v)
	if !decision.IsValid() {
		return fmt.Errorf("runstate: invalid decision %q", v)
	}
	*d = decision
	return nil
}
