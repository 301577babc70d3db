package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mzxrai/memva/store"
)

// DatabaseVacuumHandler runs VACUUM against the embedded SQLite file.
type DatabaseVacuumHandler struct {
	store store.Store
}

// NewDatabaseVacuumHandler returns a DatabaseVacuumHandler backed by s.
func NewDatabaseVacuumHandler(s store.Store) *DatabaseVacuumHandler {
	return &DatabaseVacuumHandler{store: s}
}

// Handle implements pool.Handler for store.JobTypeDatabaseVacuum.
func (h *DatabaseVacuumHandler) Handle(ctx context.Context, job *store.Job) (any, error) {
	if err := h.store.Vacuum(ctx); err != nil {
		return nil, fmt.Errorf("runner: vacuum: %w", err)
	}
	return nil, nil
}

// DatabaseBackupPayload is the job data for store.JobTypeDatabaseBackup.
type DatabaseBackupPayload struct {
	Path string `json:"path"`
}

// ErrMissingBackupPath is returned when a database-backup job is enqueued
// without a destination path.
var ErrMissingBackupPath = errors.New("runner: database-backup job missing path")

// DatabaseBackupHandler snapshots the embedded SQLite file to another path.
type DatabaseBackupHandler struct {
	store store.Store
}

// NewDatabaseBackupHandler returns a DatabaseBackupHandler backed by s.
func NewDatabaseBackupHandler(s store.Store) *DatabaseBackupHandler {
	return &DatabaseBackupHandler{store: s}
}

// Handle implements pool.Handler for store.JobTypeDatabaseBackup.
func (h *DatabaseBackupHandler) Handle(ctx context.Context, job *store.Job) (any, error) {
	var payload DatabaseBackupPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, fmt.Errorf("runner: decode database-backup job: %w", err)
	}
	if payload.Path == "" {
		return nil, ErrMissingBackupPath
	}
	if err := h.store.BackupTo(ctx, payload.Path); err != nil {
		return nil, fmt.Errorf("runner: backup: %w", err)
	}
	return nil, nil
}
