package queue

import (
	"context"
	"fmt"
	"time"
)

// StaleJobTimeout is how long a job may remain running before Recover
// considers its worker lost.
const StaleJobTimeout = 5 * time.Minute

// Recover marks jobs stuck in running for longer than StaleJobTimeout as
// failed with reason "worker lost". It is run once at pool startup, before
// any worker begins claiming, so a crash mid-handler never leaves a job
// permanently running.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.RecoverStaleJobs(ctx, StaleJobTimeout, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("queue: recover stale jobs: %w", err)
	}
	return n, nil
}
