package runner

import (
	"context"
	"testing"

	"github.com/mzxrai/memva/permission"
	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/store"
)

func TestMaintenanceHandler_ExpiresStaleAndRecoversJobs(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	q := queue.New(s)
	broker := permission.New(s, q)
	sess := newTestSession(t, s)

	req, err := broker.CreateRequest(context.Background(), sess.ID, "Write", "tool-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	h := NewMaintenanceHandler(broker, q)
	job := &store.Job{ID: 1, Type: store.JobTypeMaintenance}

	// The request's own clock has not yet passed its expiry within the
	// test's short lifetime, so the stale-permission count is checked
	// indirectly: the handler must run both sweeps without error and
	// return a structured result.
	result, err := h.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	summary, ok := result.(MaintenanceResult)
	if !ok {
		t.Fatalf("expected a MaintenanceResult, got %T", result)
	}
	if summary.ExpiredPermissions != 0 {
		t.Errorf("expected no expirations yet, got %d", summary.ExpiredPermissions)
	}

	refreshed, err := s.GetPermissionRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetPermissionRequest failed: %v", err)
	}
	if refreshed.Status.IsTerminal() {
		t.Errorf("expected the fresh request to remain pending, got %s", refreshed.Status)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ByType[store.JobTypeMaintenance] != 1 {
		t.Errorf("expected the handler to reschedule itself once, got %d queued", stats.ByType[store.JobTypeMaintenance])
	}
}
