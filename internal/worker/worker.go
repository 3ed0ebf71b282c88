// Package worker drains the durable job queues and runs periodic
// subscription maintenance.
package worker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"oura-sync/internal/database"
	"oura-sync/internal/metrics"
)

const (
	defaultPollInterval = 500 * time.Millisecond

	// maintenanceInterval is how often subscription ensure/renew runs
	maintenanceInterval = 6 * time.Hour
)

// SyncService executes claimed jobs. Satisfied by syncer.Syncer.
type SyncService interface {
	SyncRange(ctx context.Context, installationID, startDate, endDate, mode, runID string) error
	ProcessWebhookEvent(ctx context.Context, installationID, eventType, dataType, objectID string) error
}

// Maintainer keeps the remote webhook subscription set healthy. Satisfied by
// reconciler.Reconciler.
type Maintainer interface {
	Ensure(ctx context.Context) error
	Renew(ctx context.Context) error
}

// Worker polls both job queues, preferring webhook jobs since they carry
// near-real-time events
type Worker struct {
	db         *database.DB
	syncer     SyncService
	maintainer Maintainer
	logger     *slog.Logger

	pollInterval    time.Duration
	lastMaintenance time.Time
}

// New creates a Worker
func New(db *database.DB, syncer SyncService, maintainer Maintainer) *Worker {
	return &Worker{
		db:           db,
		syncer:       syncer,
		maintainer:   maintainer,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
	}
}

// WithPollInterval overrides the poll interval. Intended for tests.
func (w *Worker) WithPollInterval(interval time.Duration) *Worker {
	w.pollInterval = interval
	return w
}

// Start runs the poll loop until the context is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker (webhook jobs + sync jobs + subscription maintenance)")
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping worker")
			return ctx.Err()
		default:
			w.runMaintenance(ctx)

			webhookJob, err := w.db.ClaimWebhookJob()
			if err != nil {
				w.logger.Error("Failed to claim webhook job", "error", err)
				w.idle(ctx)
				continue
			}
			if webhookJob != nil {
				metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeWebhookFound).Inc()
				w.processWebhookJob(ctx, webhookJob)
				continue
			}

			syncJob, err := w.db.ClaimSyncJob()
			if err != nil {
				w.logger.Error("Failed to claim sync job", "error", err)
				w.idle(ctx)
				continue
			}
			if syncJob != nil {
				metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeSyncJobFound).Inc()
				w.processSyncJob(ctx, syncJob)
				continue
			}

			metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
			w.idle(ctx)
		}
	}
}

// runMaintenance ensures and renews subscriptions on a fixed cadence.
// Failures are logged and retried next cadence; the job queues must keep
// draining regardless.
func (w *Worker) runMaintenance(ctx context.Context) {
	if time.Since(w.lastMaintenance) < maintenanceInterval {
		return
	}
	w.lastMaintenance = time.Now()

	w.logger.Info("Running subscription maintenance")
	if err := w.maintainer.Ensure(ctx); err != nil {
		w.logger.Error("Subscription ensure failed", "error", err)
	}
	if err := w.maintainer.Renew(ctx); err != nil {
		w.logger.Error("Subscription renew failed", "error", err)
	}
}

// processWebhookJob runs one claimed webhook job to completion or release
func (w *Worker) processWebhookJob(ctx context.Context, job *database.WebhookJob) {
	start := time.Now()
	w.logger.Info("Processing webhook job",
		"id", job.ID,
		"installation_id", job.InstallationID,
		"event_type", job.EventType,
		"data_type", job.DataType,
		"retry_count", job.RetryCount)

	err := w.syncer.ProcessWebhookEvent(ctx, job.InstallationID, job.EventType, job.DataType, job.ObjectID)
	duration := time.Since(start).Seconds()

	if err != nil {
		w.logger.Error("Failed to process webhook job", "id", job.ID, "error", err)
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultRetry).Inc()
		metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeWebhook, strconv.Itoa(job.RetryCount+1)).Inc()
		w.releaseWebhookJob(job.ID, job.RetryCount, err.Error())
		return
	}

	if err := w.db.DeleteWebhookJob(job.ID); err != nil {
		w.logger.Error("Failed to delete completed webhook job", "id", job.ID, "error", err)
		return
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultSuccess).Observe(duration)
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultSuccess).Inc()
	w.logger.Info("Webhook job processed", "id", job.ID)
}

// processSyncJob runs one claimed sync job to completion or release
func (w *Worker) processSyncJob(ctx context.Context, job *database.SyncJob) {
	start := time.Now()
	w.logger.Info("Processing sync job",
		"id", job.ID,
		"installation_id", job.InstallationID,
		"mode", job.Mode,
		"start_date", job.StartDate,
		"end_date", job.EndDate,
		"retry_count", job.RetryCount)

	runID := ""
	if job.RunID != nil {
		runID = *job.RunID
	}

	err := w.syncer.SyncRange(ctx, job.InstallationID, job.StartDate, job.EndDate, job.Mode, runID)
	duration := time.Since(start).Seconds()

	if err != nil {
		w.logger.Error("Failed to process sync job", "id", job.ID, "error", err)
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultRetry).Inc()
		metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeSyncJob, strconv.Itoa(job.RetryCount+1)).Inc()
		w.releaseSyncJob(job.ID, job.RetryCount, err.Error())
		return
	}

	if err := w.db.DeleteSyncJob(job.ID); err != nil {
		w.logger.Error("Failed to delete completed sync job", "id", job.ID, "error", err)
		return
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Observe(duration)
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Inc()
	w.logger.Info("Sync job processed", "id", job.ID)
}

// releaseWebhookJob returns a failed webhook job to the queue with backoff
func (w *Worker) releaseWebhookJob(jobID int64, currentRetryCount int, errorMsg string) {
	shouldRetry, err := w.db.ReleaseWebhookJob(jobID, currentRetryCount, errorMsg)
	if err != nil {
		w.logger.Error("Failed to release webhook job", "id", jobID, "error", err)
		return
	}

	if !shouldRetry {
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultDropped).Inc()
		w.logger.Warn("Webhook job exceeded max retries, dropped",
			"id", jobID, "retry_count", currentRetryCount)
	} else {
		w.logger.Info("Webhook job released for retry",
			"id", jobID, "retry_count", currentRetryCount+1)
	}
}

// releaseSyncJob returns a failed sync job to the queue with backoff
func (w *Worker) releaseSyncJob(jobID int64, currentRetryCount int, errorMsg string) {
	shouldRetry, err := w.db.ReleaseSyncJob(jobID, currentRetryCount, errorMsg)
	if err != nil {
		w.logger.Error("Failed to release sync job", "id", jobID, "error", err)
		return
	}

	if !shouldRetry {
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultDropped).Inc()
		w.logger.Warn("Sync job exceeded max retries, dropped",
			"id", jobID, "retry_count", currentRetryCount)
	} else {
		w.logger.Info("Sync job released for retry",
			"id", jobID, "retry_count", currentRetryCount+1)
	}
}

// idle sleeps one poll interval, waking early on shutdown
func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}
