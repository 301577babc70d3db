// Package permission implements the out-of-band request/decision protocol
// between an agent subprocess and the user: the agent's MCP sidecar creates
// a request and blocks on it, the user decides it, and the sidecar wakes up
// with the terminal verdict.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/runstate"
	"github.com/mzxrai/memva/store"
)

// Sentinel errors returned by Decide when one of the answerability
// preconditions fails. The HTTP layer maps these to typed error responses.
var (
	ErrNotPending   = errors.New("permission: request is not pending")
	ErrExpired      = errors.New("permission: request has expired")
	ErrNoActiveJob  = errors.New("permission: session has no active run")
	ErrNewerUserMsg = errors.New("permission: a newer user message supersedes this request")
	ErrInvalidInput = errors.New("permission: invalid decision")
)

// AwaitPollInterval is how often the MCP sidecar polls the store while
// blocked waiting for a decision.
const AwaitPollInterval = 200 * time.Millisecond

// Broker wraps store.Store's permission-request methods with the polling
// and answerability rules both sides of the protocol need.
type Broker struct {
	store *storeAndQueue
}

type storeAndQueue struct {
	store store.Store
	queue *queue.Queue
}

// New returns a Broker backed by s, using q to check for an active
// session-runner job during Decide's answerability check.
func New(s store.Store, q *queue.Queue) *Broker {
	return &Broker{store: &storeAndQueue{store: s, queue: q}}
}

// CreateRequest records a new pending request for a tool call, superseding
// any existing pending request for the same session.
func (b *Broker) CreateRequest(ctx context.Context, sessionID, toolName, toolUseID string, input []byte) (*store.PermissionRequest, error) {
	req := &store.PermissionRequest{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Input:     input,
	}
	created, err := b.store.store.CreatePermissionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("permission: create request: %w", err)
	}
	return created, nil
}

// AwaitDecision blocks, polling the store every AwaitPollInterval, until
// requestID reaches a terminal status or ctx is cancelled. It is the MCP
// sidecar's side of the protocol.
func (b *Broker) AwaitDecision(ctx context.Context, requestID string) (*store.PermissionRequest, error) {
	ticker := time.NewTicker(AwaitPollInterval)
	defer ticker.Stop()

	for {
		req, err := b.store.store.GetPermissionRequest(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("permission: await decision: %w", err)
		}
		if req.Status.IsTerminal() {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Decide applies decision to requestID on the user's behalf, enforcing the
// four answerability preconditions: the request must still be pending, not
// expired, the session must have an active job, and no newer user event may
// have superseded it.
func (b *Broker) Decide(ctx context.Context, requestID string, decision runstate.Decision) error {
	if !decision.IsValid() {
		return ErrInvalidInput
	}

	req, err := b.store.store.GetPermissionRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("permission: decide: %w", err)
	}
	if req.Status != runstate.PermissionPending {
		return ErrNotPending
	}
	now := time.Now().UTC()
	if req.ExpiresAt.Before(now) {
		return ErrExpired
	}

	active, err := b.store.queue.ActiveSessionRunner(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("permission: decide: checking active job: %w", err)
	}
	if active == nil {
		return ErrNoActiveJob
	}

	newer, err := b.store.store.HasNewerUserEvent(ctx, req.SessionID, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("permission: decide: checking newer user event: %w", err)
	}
	if newer {
		return ErrNewerUserMsg
	}

	if err := b.store.store.DecidePermissionRequest(ctx, requestID, decision, now); err != nil {
		if errors.Is(err, store.ErrPermissionNotPending) {
			return ErrNotPending
		}
		return fmt.Errorf("permission: decide: %w", err)
	}
	return nil
}

// ExpirePermissionsAfterUserMessage supersedes every pending request for
// sessionID created at or before userEventTimestamp — a new user prompt
// invalidates any tool request the agent made before it.
func (b *Broker) ExpirePermissionsAfterUserMessage(ctx context.Context, sessionID string, userEventTimestamp time.Time) (int, error) {
	n, err := b.store.store.ExpirePermissionsAfterUserMessage(ctx, sessionID, userEventTimestamp)
	if err != nil {
		return 0, fmt.Errorf("permission: expire after user message: %w", err)
	}
	return n, nil
}

// ExpireStale flips every pending request whose expires_at has passed to
// expired. Intended to run as a periodic maintenance job handler.
func (b *Broker) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	n, err := b.store.store.ExpireStalePermissions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("permission: expire stale: %w", err)
	}
	return n, nil
}

// PendingForSession returns the single pending request for sessionID, if
// any — the invariant is at most one pending request per session at any
// observable instant, enforced by CreateRequest's supersession.
func (b *Broker) PendingForSession(ctx context.Context, sessionID string) (*store.PermissionRequest, error) {
	req, err := b.store.store.PendingPermissionForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("permission: pending for session: %w", err)
	}
	return req, nil
}
