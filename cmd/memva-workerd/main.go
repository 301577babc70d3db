// Command memva-workerd runs the Memva worker daemon: the job-queue worker
// pool, the permission broker, and the HTTP API in a single process against
// one SQLite file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mzxrai/memva/agentstream"
	"github.com/mzxrai/memva/config"
	"github.com/mzxrai/memva/event"
	"github.com/mzxrai/memva/httpapi"
	"github.com/mzxrai/memva/memvalog"
	"github.com/mzxrai/memva/permission"
	"github.com/mzxrai/memva/pool"
	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/runner"
	"github.com/mzxrai/memva/runstate"
	"github.com/mzxrai/memva/store"
)

func main() {
	cmd := newRootCommand()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "memva-workerd",
		Usage: "run the Memva job queue, permission broker, and HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "memva.db", Usage: "path to the SQLite database file"},
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "HTTP listen address"},
			&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "worker pool concurrency"},
			&cli.DurationFlag{Name: "poll-interval", Value: 300 * time.Millisecond, Usage: "idle worker poll interval"},
			&cli.DurationFlag{Name: "run-timeout", Value: 30 * time.Minute, Usage: "ceiling on a single agent run"},
			&cli.IntFlag{Name: "max-turns", Value: 50, Usage: "default max agent turns for Config; does not change the Settings row"},
			&cli.StringFlag{Name: "permission-mode", Value: "default", Usage: "default permission mode for Config; does not change the Settings row"},
			&cli.StringFlag{Name: "settings", Usage: "path to a YAML settings file overriding max-turns/permission-mode/default-directory"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: runWorkerd,
	}
}

func runWorkerd(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := memvalog.NewText(os.Stderr, level)

	cfg, err := config.New(
		config.WithDatabasePath(cmd.String("db")),
		config.WithHTTPAddr(cmd.String("addr")),
		config.WithPoolConcurrency(cmd.Int("concurrency")),
		config.WithPoolPollInterval(cmd.Duration("poll-interval")),
		config.WithTimeout(cmd.Duration("run-timeout")),
		config.WithMaxTurns(cmd.Int("max-turns")),
		config.WithPermissionMode(cmd.String("permission-mode")),
		config.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("memva-workerd: config: %w", err)
	}

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("memva-workerd: open store: %w", err)
	}
	defer s.Close()

	if settingsPath := cmd.String("settings"); settingsPath != "" {
		bootstrap, err := config.LoadBootstrap(settingsPath)
		if err != nil {
			return fmt.Errorf("memva-workerd: load settings: %w", err)
		}
		if err := config.Apply(ctx, s, bootstrap); err != nil {
			return fmt.Errorf("memva-workerd: apply settings: %w", err)
		}
	}

	q := queue.New(s)
	broker := permission.New(s, q)
	events := event.New(s)
	streamer := agentstream.New(s, logger, nil, cfg.DatabasePath)

	p := pool.New(q, pool.Config{
		Concurrency:  cfg.PoolConcurrency,
		PollInterval: cfg.PoolPollInterval,
		Logger:       logger,
	})
	if err := registerHandlers(p, s, q, broker, streamer); err != nil {
		return fmt.Errorf("memva-workerd: register handlers: %w", err)
	}
	if err := ensureMaintenanceScheduled(ctx, q, s); err != nil {
		return fmt.Errorf("memva-workerd: schedule maintenance: %w", err)
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("memva-workerd: start pool: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(s, q, broker, events, logger),
	}
	serverErrs := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- err
			return
		}
		serverErrs <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErrs:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pool shutdown", "error", err)
	}
	return nil
}

// registerHandlers binds every job type the pool dispatches to its handler.
func registerHandlers(p *pool.Pool, s store.Store, q *queue.Queue, broker *permission.Broker, streamer *agentstream.Streamer) error {
	handlers := map[string]pool.Handler{
		store.JobTypeSessionRunner:  runner.NewSessionRunnerHandler(s, streamer),
		store.JobTypeMaintenance:    runner.NewMaintenanceHandler(broker, q),
		store.JobTypeSessionSync:    runner.NewSessionSyncHandler(s),
		store.JobTypeDatabaseVacuum: runner.NewDatabaseVacuumHandler(s),
		store.JobTypeDatabaseBackup: runner.NewDatabaseBackupHandler(s),
	}
	for jobType, h := range handlers {
		if err := p.Register(jobType, h); err != nil {
			return err
		}
	}
	return nil
}

// ensureMaintenanceScheduled enqueues the first maintenance job if none is
// already pending or running; MaintenanceHandler reschedules itself on
// every subsequent run, so this only matters on a fresh database or after a
// database where the chain was somehow broken.
func ensureMaintenanceScheduled(ctx context.Context, q *queue.Queue, s store.Store) error {
	for _, status := range []runstate.JobStatus{runstate.JobPending, runstate.JobRunning} {
		active, err := s.ListJobs(ctx, store.JobFilter{Type: store.JobTypeMaintenance, Status: status, Limit: 1})
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return nil
		}
	}
	_, err := q.Enqueue(ctx, store.JobTypeMaintenance, nil, queue.EnqueueOptions{})
	return err
}
