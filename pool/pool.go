// Package pool implements the fixed-concurrency worker pool that claims due
// jobs from the queue and dispatches them to a registered per-type Handler.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mzxrai/memva/memvalog"
	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/store"
)

// Handler processes one job. ctx is cancelled on pool shutdown; a handler
// must respect it and return within the pool's shutdown grace period.
type Handler interface {
	Handle(ctx context.Context, job *store.Job) (result any, err error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *store.Job) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *store.Job) (any, error) {
	return f(ctx, job)
}

// Config configures a Pool.
type Config struct {
	// Concurrency is the number of worker goroutines. Default: 4.
	Concurrency int

	// PollInterval bounds how long an idle worker waits before re-polling.
	// Default: 300ms.
	PollInterval time.Duration

	// ShutdownGrace is how long Shutdown waits for in-flight handlers to
	// finish after cancelling their context. Default: 5s.
	ShutdownGrace time.Duration

	// Logger receives lifecycle and error events. Defaults to a discarding
	// logger if nil.
	Logger memvalog.Logger
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 300 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	c.Logger = memvalog.OrDiscard(c.Logger)
}

// Pool dispatches claimed jobs to registered handlers across a fixed number
// of worker goroutines.
type Pool struct {
	queue  *queue.Queue
	config Config

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Pool backed by q. Call Start to begin dispatching.
func New(q *queue.Queue, cfg Config) *Pool {
	cfg.setDefaults()
	return &Pool{
		queue:    q,
		config:   cfg,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Registering the same type twice
// is a hard error; registering is only valid before Start.
func (p *Pool) Register(jobType string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[jobType]; exists {
		return fmt.Errorf("pool: handler already registered for type %q", jobType)
	}
	p.handlers[jobType] = h
	return nil
}

func (p *Pool) handlerFor(jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Start runs a stale-job recovery pass, then launches Concurrency worker
// goroutines that claim and dispatch jobs until ctx is cancelled or Shutdown
// is called.
func (p *Pool) Start(ctx context.Context) error {
	n, err := p.queue.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("pool: recovery pass: %w", err)
	}
	if n > 0 {
		p.config.Logger.Warn("recovered stale jobs", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	p.group = group

	for i := 0; i < p.config.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		group.Go(func() error {
			p.loop(groupCtx, workerID)
			return nil
		})
	}
	return nil
}

// loop repeatedly claims and dispatches jobs until ctx is cancelled.
func (p *Pool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for p.claimAndDispatch(ctx, workerID) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// claimAndDispatch claims one job and runs it, returning true if a job was
// claimed (so the caller can immediately try for another without waiting
// out the poll interval).
func (p *Pool) claimAndDispatch(ctx context.Context, workerID string) bool {
	job, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		p.config.Logger.Error("claim failed", "worker", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}

	p.dispatch(ctx, job)
	return true
}

func (p *Pool) dispatch(ctx context.Context, job *store.Job) {
	handler, ok := p.handlerFor(job.Type)
	if !ok {
		p.config.Logger.Warn("no handler registered for job type", "type", job.Type, "job_id", job.ID)
		if err := p.queue.Fail(ctx, job.ID, fmt.Errorf("pool: unknown job type %q", job.Type)); err != nil {
			p.config.Logger.Error("failed to mark unknown-type job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	result, err := handler.Handle(ctx, job)
	if err != nil {
		if failErr := p.queue.Fail(ctx, job.ID, err); failErr != nil {
			p.config.Logger.Error("failed to record job failure", "job_id", job.ID, "error", failErr)
		}
		return
	}

	resultJSON, err := encodeResult(result)
	if err != nil {
		p.config.Logger.Error("failed to encode job result", "job_id", job.ID, "error", err)
	}
	if err := p.queue.Complete(ctx, job.ID, resultJSON); err != nil {
		p.config.Logger.Error("failed to record job completion", "job_id", job.ID, "error", err)
	}
}

// Shutdown cancels all in-flight handlers and waits up to ShutdownGrace for
// them to finish. A handler that does not return in time is abandoned; its
// job remains running until a later queue.Recover pass marks it failed.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(p.config.ShutdownGrace):
		return fmt.Errorf("pool: shutdown grace period exceeded")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// encodeResult marshals a handler's result to JSON for storage, treating nil
// as "no result" rather than the literal JSON null.
func encodeResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}
