// Package queue is a thin layer over store.Store's job methods: it owns the
// backoff curve and priority defaults, so the store itself stays a dumb
// persistence layer.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/mzxrai/memva/store"
)

// DefaultPriority holds each job type's baseline priority, used when an
// Enqueue call doesn't override it.
var DefaultPriority = map[string]int{
	store.JobTypeSessionRunner:  store.PrioritySessionRunner,
	store.JobTypeSessionSync:    store.PrioritySessionSync,
	store.JobTypeMaintenance:    store.PriorityMaintenance,
	store.JobTypeDatabaseBackup: store.PriorityBackup,
	store.JobTypeDatabaseVacuum: store.PriorityVacuum,
}

// DefaultMaxAttempts bounds retries for a job with no explicit override.
const DefaultMaxAttempts = 5

// Queue wraps a store.Store with scheduling policy.
type Queue struct {
	store store.Store
}

// New returns a Queue backed by s.
func New(s store.Store) *Queue {
	return &Queue{store: s}
}

// EnqueueOptions customizes a single Enqueue call; the zero value applies
// this job type's default priority and DefaultMaxAttempts.
type EnqueueOptions struct {
	Priority    *int
	MaxAttempts int
	ScheduledAt *time.Time
}

// Enqueue inserts a new pending job of the given type.
func (q *Queue) Enqueue(ctx context.Context, jobType string, data []byte, opts EnqueueOptions) (*store.Job, error) {
	priority := DefaultPriority[jobType]
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	job := &store.Job{
		Type:        jobType,
		Data:        data,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: opts.ScheduledAt,
	}
	created, err := q.store.EnqueueJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", jobType, err)
	}
	return created, nil
}

// Claim selects and claims the next due job for workerID, or returns nil if
// none are eligible right now.
func (q *Queue) Claim(ctx context.Context, workerID string) (*store.Job, error) {
	job, err := q.store.ClaimNextDue(ctx, workerID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return job, nil
}

// Complete marks jobID completed with result.
func (q *Queue) Complete(ctx context.Context, jobID int64, result []byte) error {
	if err := q.store.CompleteJob(ctx, jobID, result); err != nil {
		return fmt.Errorf("queue: complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail reschedules jobID with Backoff(attempts) delay if attempts remain,
// otherwise marks it permanently failed.
func (q *Queue) Fail(ctx context.Context, jobID int64, cause error) error {
	if err := q.store.FailJob(ctx, jobID, cause, Backoff, time.Now().UTC()); err != nil {
		return fmt.Errorf("queue: fail job %d: %w", jobID, err)
	}
	return nil
}

// Cancel cancels a pending or running job.
func (q *Queue) Cancel(ctx context.Context, jobID int64) error {
	if err := q.store.CancelJob(ctx, jobID); err != nil {
		return fmt.Errorf("queue: cancel job %d: %w", jobID, err)
	}
	return nil
}

// Stats returns job count rollups by status and type.
func (q *Queue) Stats(ctx context.Context) (*store.JobStats, error) {
	stats, err := q.store.JobStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	return stats, nil
}

// ActiveSessionRunner reports the in-flight session-runner job for a
// session, if any — handlers use this to reject duplicate submissions,
// since the queue itself enforces no cross-job mutual exclusion by type.
func (q *Queue) ActiveSessionRunner(ctx context.Context, sessionID string) (*store.Job, error) {
	job, err := q.store.ActiveSessionRunnerJob(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("queue: active session-runner job: %w", err)
	}
	return job, nil
}

// Backoff implements the retry curve min(60s, 2^attempts seconds).
func Backoff(attempts int) time.Duration {
	d := time.Duration(1) << uint(attempts) * time.Second
	if d > 60*time.Second || d <= 0 {
		return 60 * time.Second
	}
	return d
}
