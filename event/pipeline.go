// Package event wraps store.Store's event methods with the read-shaping
// rules the UI and live-tail stream need: the visible-only display filter,
// batched per-session lookups, and the SSE producer (see stream.go).
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/mzxrai/memva/store"
)

// Pipeline wraps store.Store's event methods with the read shaping the UI
// and live-tail stream need. It holds no state of its own; the store
// remains the single source of truth.
type Pipeline struct {
	store store.Store
}

// New returns a Pipeline backed by s.
func New(s store.Store) *Pipeline {
	return &Pipeline{store: s}
}

// Append persists e and returns the stored row. The caller supplies
// parent_uuid from prior state; Append does not recompute it.
func (p *Pipeline) Append(ctx context.Context, e *store.Event) (*store.Event, error) {
	appended, err := p.store.AppendEvent(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("event: append: %w", err)
	}
	return appended, nil
}

// Since returns sessionID's events with timestamp > since, oldest-first.
// When visibleOnly is set, protocol noise (init system frames, bare
// tool-result envelopes) is excluded; it remains queryable for auditing via
// visibleOnly=false.
func (p *Pipeline) Since(ctx context.Context, sessionID string, since time.Time, visibleOnly bool) ([]*store.Event, error) {
	events, err := p.store.ListEventsSince(ctx, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("event: since: %w", err)
	}
	if !visibleOnly {
		return events, nil
	}
	visible := events[:0]
	for _, e := range events {
		if e.Visible {
			visible = append(visible, e)
		}
	}
	return visible, nil
}

// LatestAssistantMessagePerSession runs a single batched query across
// sessionIDs instead of one query per session.
func (p *Pipeline) LatestAssistantMessagePerSession(ctx context.Context, sessionIDs []string) ([]store.SessionLatestMessage, error) {
	msgs, err := p.store.LatestAssistantMessagePerSession(ctx, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("event: latest assistant message per session: %w", err)
	}
	return msgs, nil
}

// PendingPermissionsCountPerSession runs a single batched query across
// sessionIDs instead of one query per session.
func (p *Pipeline) PendingPermissionsCountPerSession(ctx context.Context, sessionIDs []string) (map[string]int, error) {
	counts, err := p.store.PendingPermissionsCountPerSession(ctx, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("event: pending permissions count per session: %w", err)
	}
	return counts, nil
}
