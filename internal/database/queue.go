package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"oura-sync/internal/metrics"
)

// SyncJob is a queued bounded-range sync for one installation
type SyncJob struct {
	ID                  int64
	InstallationID      string
	StartDate           string
	EndDate             string
	Mode                string
	RunID               *string
	RetryCount          int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// WebhookJob is a queued webhook notification awaiting a targeted re-fetch
type WebhookJob struct {
	ID                  int64
	InstallationID      string
	EventType           string
	DataType            string
	ObjectID            string
	RetryCount          int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// EnqueueSyncJob adds a range sync to the processing queue
func (d *DB) EnqueueSyncJob(installationID, startDate, endDate, mode string, runID *string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueSyncJob))
	defer timer.ObserveDuration()

	result, err := d.db.Exec(`
		INSERT INTO sync_jobs (installation_id, start_date, end_date, mode, run_id)
		VALUES (?, ?, ?, ?, ?)
	`, installationID, startDate, endDate, mode, runID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get sync job id: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()
	return id, nil
}

// ClaimSyncJob atomically claims the next ready sync job, marking it as
// processing. Returns nil if nothing is ready. Ready means next_retry_at is
// null or past, and no fresh processing claim exists (stale claims from a
// killed worker are reclaimable after StaleLockTimeout).
func (d *DB) ClaimSyncJob() (*SyncJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimSyncJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var job SyncJob
	var nextRetryAt *int64
	var createdAt int64

	err := d.db.QueryRow(`
		UPDATE sync_jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, installation_id, start_date, end_date, mode, run_id, retry_count, last_error, next_retry_at, created_at
	`, now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID, &job.InstallationID, &job.StartDate, &job.EndDate, &job.Mode,
		&job.RunID, &job.RetryCount, &job.LastError, &nextRetryAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimSyncJob).Inc()
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}

	if nextRetryAt != nil {
		t := time.Unix(*nextRetryAt, 0)
		job.NextRetryAt = &t
	}
	job.ProcessingStartedAt = &now
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}

// DeleteSyncJob removes a processed sync job from the queue
func (d *DB) DeleteSyncJob(id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteSyncJob))
	defer timer.ObserveDuration()

	if _, err := d.db.Exec(`DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteSyncJob).Inc()
		return fmt.Errorf("failed to delete sync job: %w", err)
	}
	return nil
}

// ReleaseSyncJob returns a failed sync job to the queue with exponential
// backoff. Returns false if the job exceeded MaxRetries and was dropped.
func (d *DB) ReleaseSyncJob(id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseSyncJob))
	defer timer.ObserveDuration()
	return d.releaseJob("sync_jobs", id, retryCount, errMsg)
}

// EnqueueWebhookJob adds a webhook event to the processing queue
func (d *DB) EnqueueWebhookJob(installationID, eventType, dataType, objectID string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueWebhookJob))
	defer timer.ObserveDuration()

	result, err := d.db.Exec(`
		INSERT INTO webhook_jobs (installation_id, event_type, data_type, object_id)
		VALUES (?, ?, ?, ?)
	`, installationID, eventType, dataType, objectID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueWebhookJob).Inc()
		return 0, fmt.Errorf("failed to enqueue webhook job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get webhook job id: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeWebhook).Inc()
	return id, nil
}

// ClaimWebhookJob atomically claims the next ready webhook job.
// Returns nil if nothing is ready.
func (d *DB) ClaimWebhookJob() (*WebhookJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimWebhookJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var job WebhookJob
	var nextRetryAt *int64
	var createdAt int64

	err := d.db.QueryRow(`
		UPDATE webhook_jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id FROM webhook_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, installation_id, event_type, data_type, object_id, retry_count, last_error, next_retry_at, created_at
	`, now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID, &job.InstallationID, &job.EventType, &job.DataType, &job.ObjectID,
		&job.RetryCount, &job.LastError, &nextRetryAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimWebhookJob).Inc()
		return nil, fmt.Errorf("failed to claim webhook job: %w", err)
	}

	if nextRetryAt != nil {
		t := time.Unix(*nextRetryAt, 0)
		job.NextRetryAt = &t
	}
	job.ProcessingStartedAt = &now
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}

// DeleteWebhookJob removes a processed webhook job from the queue
func (d *DB) DeleteWebhookJob(id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteWebhookJob))
	defer timer.ObserveDuration()

	if _, err := d.db.Exec(`DELETE FROM webhook_jobs WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteWebhookJob).Inc()
		return fmt.Errorf("failed to delete webhook job: %w", err)
	}
	return nil
}

// ReleaseWebhookJob returns a failed webhook job to the queue with
// exponential backoff. Returns false if the job was dropped.
func (d *DB) ReleaseWebhookJob(id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseWebhookJob))
	defer timer.ObserveDuration()
	return d.releaseJob("webhook_jobs", id, retryCount, errMsg)
}

// releaseJob implements the shared backoff ladder: 1min, 5min, 15min, 30min,
// 1hr, capped. Jobs past MaxRetries are dropped.
func (d *DB) releaseJob(table string, id int64, retryCount int, errMsg string) (bool, error) {
	newRetryCount := retryCount + 1

	if newRetryCount > MaxRetries {
		if _, err := d.db.Exec(`DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to drop job after max retries: %w", err)
		}
		return false, nil
	}

	backoffMinutes := []int{1, 5, 15, 30, 60}
	backoffIdx := newRetryCount - 1
	if backoffIdx >= len(backoffMinutes) {
		backoffIdx = len(backoffMinutes) - 1
	}
	nextRetryAt := time.Now().Add(time.Duration(backoffMinutes[backoffIdx]) * time.Minute)

	_, err := d.db.Exec(`
		UPDATE `+table+`
		SET retry_count = ?, last_error = ?, next_retry_at = ?, processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to release job: %w", err)
	}
	return true, nil
}

// GetQueueDepth returns total, ready and processing counts for the named
// queue table (sync_jobs or webhook_jobs), used by the metrics collector
func (d *DB) GetQueueDepth(table string) (total, ready, processing int, err error) {
	if table != "sync_jobs" && table != "webhook_jobs" {
		return 0, 0, 0, fmt.Errorf("unknown queue table: %s", table)
	}

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	err = d.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN (next_retry_at IS NULL OR next_retry_at <= ?)
		                          AND (processing_started_at IS NULL OR processing_started_at < ?)
		                         THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN processing_started_at IS NOT NULL
		                          AND processing_started_at >= ?
		                         THEN 1 ELSE 0 END), 0)
		FROM `+table, now.Unix(), staleThreshold, staleThreshold).Scan(&total, &ready, &processing)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get queue depth: %w", err)
	}
	return total, ready, processing, nil
}
