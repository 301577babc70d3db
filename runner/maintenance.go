package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/mzxrai/memva/permission"
	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/store"
)

// MaintenanceResult is the result recorded for a store.JobTypeMaintenance
// job.
type MaintenanceResult struct {
	ExpiredPermissions int `json:"expiredPermissions"`
	RecoveredJobs      int `json:"recoveredJobs"`
}

// RescheduleInterval is how far in the future MaintenanceHandler
// re-enqueues itself after each run, keeping the sweep recurring without a
// second, ticker-driven scheduling mechanism alongside the job queue.
const RescheduleInterval = 1 * time.Minute

// MaintenanceHandler runs the two periodic sweeps: expiring stale
// permission requests and recovering jobs whose worker died mid-handler.
// It re-enqueues itself on completion so the sweep keeps recurring through
// the same queue/pool machinery as every other job, rather than running on
// its own goroutine.
type MaintenanceHandler struct {
	broker *permission.Broker
	queue  *queue.Queue
}

// NewMaintenanceHandler returns a MaintenanceHandler backed by broker and q.
func NewMaintenanceHandler(broker *permission.Broker, q *queue.Queue) *MaintenanceHandler {
	return &MaintenanceHandler{broker: broker, queue: q}
}

// Handle implements pool.Handler for store.JobTypeMaintenance.
func (h *MaintenanceHandler) Handle(ctx context.Context, job *store.Job) (any, error) {
	now := time.Now().UTC()
	expired, err := h.broker.ExpireStale(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("runner: expire stale permissions: %w", err)
	}
	recovered, err := h.queue.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("runner: recover stale jobs: %w", err)
	}

	next := now.Add(RescheduleInterval)
	if _, err := h.queue.Enqueue(ctx, store.JobTypeMaintenance, nil, queue.EnqueueOptions{ScheduledAt: &next}); err != nil {
		return nil, fmt.Errorf("runner: reschedule maintenance: %w", err)
	}

	return MaintenanceResult{ExpiredPermissions: expired, RecoveredJobs: recovered}, nil
}
