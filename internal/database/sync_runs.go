package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Sync run modes and statuses
const (
	ModeBackfill = "backfill"
	ModeDelta    = "delta"
	ModeWebhook  = "webhook"

	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// maxRunErrorLen bounds the error summary stored on a failed run
const maxRunErrorLen = 500

// SyncRun is the audit record of one orchestration invocation
type SyncRun struct {
	ID             string
	InstallationID string
	Mode           string
	Status         string
	StartedAt      int64
	FinishedAt     *int64
	RecordsWritten int
	Error          *string
}

// CreateSyncRun inserts a run in the running state
func (d *DB) CreateSyncRun(id, installationID, mode string) error {
	_, err := d.db.Exec(`
		INSERT INTO sync_runs (id, installation_id, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, installationID, mode, RunRunning, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// GetSyncRun retrieves a run by ID. Returns nil if not found.
func (d *DB) GetSyncRun(id string) (*SyncRun, error) {
	var r SyncRun
	err := d.db.QueryRow(`
		SELECT id, installation_id, mode, status, started_at, finished_at, records_written, error
		FROM sync_runs WHERE id = ?
	`, id).Scan(&r.ID, &r.InstallationID, &r.Mode, &r.Status, &r.StartedAt, &r.FinishedAt, &r.RecordsWritten, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return &r, nil
}

// CompleteSyncRun finalizes a run as completed with the number of records written
func (d *DB) CompleteSyncRun(id string, recordsWritten int) error {
	result, err := d.db.Exec(`
		UPDATE sync_runs
		SET status = ?, finished_at = ?, records_written = ?
		WHERE id = ? AND status = ?
	`, RunCompleted, time.Now().Unix(), recordsWritten, id, RunRunning)
	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}
	return requireRow(result, "running sync run")
}

// FailSyncRun finalizes a run as failed with a truncated error summary and
// whatever record count had accumulated before the failure
func (d *DB) FailSyncRun(id string, recordsWritten int, errMsg string) error {
	if len(errMsg) > maxRunErrorLen {
		errMsg = errMsg[:maxRunErrorLen]
	}
	result, err := d.db.Exec(`
		UPDATE sync_runs
		SET status = ?, finished_at = ?, records_written = ?, error = ?
		WHERE id = ? AND status = ?
	`, RunFailed, time.Now().Unix(), recordsWritten, errMsg, id, RunRunning)
	if err != nil {
		return fmt.Errorf("failed to fail sync run: %w", err)
	}
	return requireRow(result, "running sync run")
}

// ListSyncRuns returns the most recent runs for an installation
func (d *DB) ListSyncRuns(installationID string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(`
		SELECT id, installation_id, mode, status, started_at, finished_at, records_written, error
		FROM sync_runs
		WHERE installation_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, installationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.InstallationID, &r.Mode, &r.Status, &r.StartedAt, &r.FinishedAt, &r.RecordsWritten, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}
