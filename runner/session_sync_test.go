package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mzxrai/memva/store"
)

func TestSessionSyncHandler_RederivesResumeSessionID(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	sess := newTestSession(t, s)

	if _, err := s.AppendEvent(context.Background(), &store.Event{
		UUID:           "evt-1",
		MemvaSessionID: sess.ID,
		SessionID:      "agent-session-1",
		EventType:      store.EventTypeAssistant,
		Timestamp:      time.Now().UTC(),
		Data:           []byte(`{}`),
		Visible:        true,
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	h := NewSessionSyncHandler(s)
	payload, _ := json.Marshal(SessionSyncPayload{SessionID: sess.ID})
	job := &store.Job{ID: 1, Type: store.JobTypeSessionSync, Data: payload}

	result, err := h.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	summary, ok := result.(SessionSyncResult)
	if !ok {
		t.Fatalf("expected a SessionSyncResult, got %T", result)
	}
	if summary.ResumeSessionID != "agent-session-1" {
		t.Errorf("expected resume session id agent-session-1, got %q", summary.ResumeSessionID)
	}
}
