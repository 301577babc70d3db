package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mzxrai/memva/runstate"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	title := "first session"
	sess := &Session{Title: &title, ProjectPath: "/tmp/proj", Metadata: map[string]any{"k": "v"}}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != SessionActive {
		t.Errorf("expected active status, got %s", got.Status)
	}
	if got.ClaudeStatus != ClaudeNotStarted {
		t.Errorf("expected not_started, got %s", got.ClaudeStatus)
	}
	if got.Title == nil || *got.Title != title {
		t.Errorf("title mismatch: %v", got.Title)
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("metadata mismatch: %v", got.Metadata)
	}

	if err := s.UpdateClaudeStatus(ctx, sess.ID, ClaudeProcessing); err != nil {
		t.Fatalf("UpdateClaudeStatus failed: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ClaudeStatus != ClaudeProcessing {
		t.Errorf("expected processing, got %s", got.ClaudeStatus)
	}

	if err := s.ArchiveSession(ctx, sess.ID); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != SessionArchived {
		t.Errorf("expected archived, got %s", got.Status)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEventAppendAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{ProjectPath: "/tmp/proj"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	var prevUUID *string
	for i := 0; i < 3; i++ {
		e := &Event{
			MemvaSessionID: sess.ID,
			EventType:      "user",
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			ParentUUID:     prevUUID,
			Data:           []byte(`{}`),
			Visible:        true,
		}
		stored, err := s.AppendEvent(ctx, e)
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		id := stored.UUID
		prevUUID = &id
	}

	events, err := s.ListEventsSince(ctx, sess.ID, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListEventsSince failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Errorf("events not in oldest-first order at index %d", i)
		}
	}
	if events[0].ParentUUID != nil {
		t.Errorf("expected first event to have nil parent, got %v", *events[0].ParentUUID)
	}
}

func TestLatestAssistantMessagePerSession_BatchedNoMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessA := &Session{ProjectPath: "/a"}
	sessB := &Session{ProjectPath: "/b"}
	if err := s.CreateSession(ctx, sessA); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.CreateSession(ctx, sessB); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	now := time.Now().UTC()
	if _, err := s.AppendEvent(ctx, &Event{MemvaSessionID: sessA.ID, EventType: "assistant", Timestamp: now, Data: []byte(`{"text":"first"}`)}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if _, err := s.AppendEvent(ctx, &Event{MemvaSessionID: sessA.ID, EventType: "assistant", Timestamp: now.Add(time.Minute), Data: []byte(`{"text":"second"}`)}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	results, err := s.LatestAssistantMessagePerSession(ctx, []string{sessA.ID, sessB.ID})
	if err != nil {
		t.Fatalf("LatestAssistantMessagePerSession failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Event == nil || string(results[0].Event.Data) != `{"text":"second"}` {
		t.Errorf("expected latest message for session A, got %v", results[0].Event)
	}
	if results[1].Event != nil {
		t.Errorf("expected no assistant message for session B, got %v", results[1].Event)
	}
}

func TestJobQueue_ClaimPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := &Job{Type: "low", Data: []byte(`{}`), Priority: 1}
	high := &Job{Type: "high", Data: []byte(`{}`), Priority: 10}
	if _, err := s.EnqueueJob(ctx, low); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.EnqueueJob(ctx, high); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	claimed, err := s.ClaimNextDue(ctx, "worker-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNextDue failed: %v", err)
	}
	if claimed == nil || claimed.Type != "high" {
		t.Fatalf("expected the high priority job claimed first, got %v", claimed)
	}
	if claimed.Status != runstate.JobRunning {
		t.Errorf("expected running status, got %s", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", claimed.Attempts)
	}

	claimed2, err := s.ClaimNextDue(ctx, "worker-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNextDue failed: %v", err)
	}
	if claimed2 == nil || claimed2.Type != "low" {
		t.Fatalf("expected the low priority job claimed second, got %v", claimed2)
	}

	claimed3, err := s.ClaimNextDue(ctx, "worker-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNextDue failed: %v", err)
	}
	if claimed3 != nil {
		t.Errorf("expected no more jobs to claim, got %v", claimed3)
	}
}

func TestJobQueue_ClaimRespectsScheduledAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	job := &Job{Type: "deferred", Data: []byte(`{}`), ScheduledAt: &future}
	if _, err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	claimed, err := s.ClaimNextDue(ctx, "worker-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNextDue failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected no job claimed before scheduled_at, got %v", claimed)
	}
}

func TestJobQueue_FailRetriesThenTerminates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{Type: "flaky", Data: []byte(`{}`), MaxAttempts: 2}
	enqueued, err := s.EnqueueJob(ctx, job)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	now := time.Now().UTC()
	backoff := func(attempts int) time.Duration { return time.Duration(attempts) * time.Second }

	claimed, err := s.ClaimNextDue(ctx, "worker-1", now)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextDue failed: %v", err)
	}
	if err := s.FailJob(ctx, claimed.ID, errUnderTest, backoff, now); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	afterFirstFail, err := s.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if afterFirstFail.Status != runstate.JobPending {
		t.Errorf("expected pending after first failure (attempts remain), got %s", afterFirstFail.Status)
	}

	claimed, err = s.ClaimNextDue(ctx, "worker-1", now.Add(2*time.Second))
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextDue (retry) failed: %v", err)
	}
	if err := s.FailJob(ctx, claimed.ID, errUnderTest, backoff, now); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	final, err := s.GetJob(ctx, enqueued.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.Status != runstate.JobFailed {
		t.Errorf("expected failed after attempts exhausted, got %s", final.Status)
	}
}

var errUnderTest = &testError{"handler exploded"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestRecoverStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnqueueJob(ctx, &Job{Type: "slow", Data: []byte(`{}`)})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	staleStart := time.Now().UTC().Add(-time.Hour)
	if _, err := s.ClaimNextDue(ctx, "worker-1", staleStart); err != nil {
		t.Fatalf("ClaimNextDue failed: %v", err)
	}

	n, err := s.RecoverStaleJobs(ctx, 5*time.Second, time.Now().UTC())
	if err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != runstate.JobFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Error == nil || *got.Error != "worker lost" {
		t.Errorf("expected \"worker lost\" error, got %v", got.Error)
	}
}

func TestPermissionRequest_SupersessionAndDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{ProjectPath: "/tmp"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	first, err := s.CreatePermissionRequest(ctx, &PermissionRequest{SessionID: sess.ID, ToolName: "Bash", ToolUseID: "tu_1", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("CreatePermissionRequest failed: %v", err)
	}
	second, err := s.CreatePermissionRequest(ctx, &PermissionRequest{SessionID: sess.ID, ToolName: "Write", ToolUseID: "tu_2", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("CreatePermissionRequest failed: %v", err)
	}

	gotFirst, err := s.GetPermissionRequest(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetPermissionRequest failed: %v", err)
	}
	if gotFirst.Status != runstate.PermissionSuperseded {
		t.Errorf("expected first request superseded, got %s", gotFirst.Status)
	}

	pending, err := s.PendingPermissionForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("PendingPermissionForSession failed: %v", err)
	}
	if pending == nil || pending.ID != second.ID {
		t.Fatalf("expected second request pending, got %v", pending)
	}

	if err := s.DecidePermissionRequest(ctx, second.ID, runstate.DecisionAllow, time.Now().UTC()); err != nil {
		t.Fatalf("DecidePermissionRequest failed: %v", err)
	}
	decided, err := s.GetPermissionRequest(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetPermissionRequest failed: %v", err)
	}
	if decided.Status != runstate.PermissionApproved {
		t.Errorf("expected approved, got %s", decided.Status)
	}
	if decided.Decision == nil || *decided.Decision != runstate.DecisionAllow {
		t.Errorf("expected decision allow, got %v", decided.Decision)
	}

	if err := s.DecidePermissionRequest(ctx, second.ID, runstate.DecisionDeny, time.Now().UTC()); err != ErrPermissionNotPending {
		t.Errorf("expected ErrPermissionNotPending on re-decide, got %v", err)
	}
}

func TestExpireStalePermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{ProjectPath: "/tmp"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	req, err := s.CreatePermissionRequest(ctx, &PermissionRequest{SessionID: sess.ID, ToolName: "Bash", ToolUseID: "tu_1", Input: []byte(`{}`), ExpiresAt: past})
	if err != nil {
		t.Fatalf("CreatePermissionRequest failed: %v", err)
	}

	n, err := s.ExpireStalePermissions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireStalePermissions failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	got, err := s.GetPermissionRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetPermissionRequest failed: %v", err)
	}
	if got.Status != runstate.PermissionExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if got.MaxTurns == 0 {
		t.Errorf("expected seeded default settings, got %+v", got)
	}

	updated := &Settings{MaxTurns: 80, PermissionMode: "plan", DefaultDirectory: "/work"}
	if err := s.UpdateSettings(ctx, updated); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	got, err = s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if *got != *updated {
		t.Errorf("got %+v, want %+v", got, updated)
	}
}
