// Package syncer orchestrates bounded-range syncs and webhook-triggered
// re-fetches for one installation at a time.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"oura-sync/internal/database"
	"oura-sync/internal/metrics"
	"oura-sync/internal/oura"
)

// deleteResyncDays is the trailing window re-fetched when the provider
// reports a deletion: re-pulling the window reconciles the removal without
// per-field diffing
const deleteResyncDays = 14

// Family binds a metric family to the provider collection it is synced from
type Family struct {
	Name     string
	DataType string
}

// Families is the fixed set of daily metric families the engine syncs
var Families = []Family{
	{Name: database.FamilySleep, DataType: "daily_sleep"},
	{Name: database.FamilyReadiness, DataType: "daily_readiness"},
	{Name: database.FamilyActivity, DataType: "daily_activity"},
}

func familyForDataType(dataType string) (Family, bool) {
	for _, f := range Families {
		if f.DataType == dataType {
			return f, true
		}
	}
	return Family{}, false
}

// dailyDocument is the validated shape of a provider daily document. All
// fields except Day are optional; a document without a day is skipped.
type dailyDocument struct {
	ID           string          `json:"id"`
	Day          string          `json:"day"`
	Score        *int            `json:"score"`
	Contributors json.RawMessage `json:"contributors"`
	Timestamp    *string         `json:"timestamp"`
}

// Syncer runs range syncs and processes webhook events
type Syncer struct {
	db     *database.DB
	client *oura.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Syncer
func New(db *database.DB, client *oura.Client) *Syncer {
	return &Syncer{
		db:     db,
		client: client,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithNow overrides the clock. Intended for tests.
func (s *Syncer) WithNow(now func() time.Time) *Syncer {
	s.now = now
	return s
}

// SyncRange runs one bounded-range sync for an installation.
//
// The run row moves running -> completed or running -> failed, finalized
// exactly once on every normal return path. A missing or stale connection
// fails the run without an error: redelivery cannot fix it, only
// re-authentication can. Any other failure finalizes the run and re-raises
// so the queue can redrive the job.
func (s *Syncer) SyncRange(ctx context.Context, installationID, startDate, endDate, mode, runID string) error {
	if runID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("failed to generate run id: %w", err)
		}
		runID = id.String()
	}

	run, err := s.db.GetSyncRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		if err := s.db.CreateSyncRun(runID, installationID, mode); err != nil {
			return err
		}
	} else if run.Status != database.RunRunning {
		// Redelivered job whose run already finalized; nothing to do
		s.logger.Info("Sync run already finalized, skipping",
			"run_id", runID, "status", run.Status)
		return nil
	}

	s.logger.Info("Starting sync run",
		"run_id", runID,
		"installation_id", installationID,
		"mode", mode,
		"start_date", startDate,
		"end_date", endDate)

	conn, err := s.db.GetConnection(installationID)
	if err != nil {
		return s.failRun(runID, mode, 0, err)
	}
	if conn == nil {
		s.logger.Warn("No connection for installation, failing run", "installation_id", installationID)
		return s.finalizeFailed(runID, mode, 0, "no connection for installation")
	}
	if conn.Stale {
		s.logger.Warn("Connection is stale, failing run", "installation_id", installationID)
		return s.finalizeFailed(runID, mode, 0, "connection is stale; re-authentication required")
	}

	creds := &oura.Credentials{
		InstallationID: installationID,
		AccessToken:    conn.AccessToken,
		RefreshToken:   conn.RefreshToken,
	}

	written := 0
	for _, family := range Families {
		docs, err := s.client.ListDailyCollection(ctx, creds, family.DataType, startDate, endDate)
		if err != nil {
			s.classifyFailure(installationID, err)
			return s.failRun(runID, mode, written, fmt.Errorf("failed to sync %s: %w", family.Name, err))
		}

		for _, doc := range docs {
			wrote, err := s.upsertDocument(installationID, family, doc)
			if err != nil {
				return s.failRun(runID, mode, written, err)
			}
			if wrote {
				written++
			}
		}
	}

	if err := s.db.TouchSyncSuccess(installationID); err != nil {
		return s.failRun(runID, mode, written, err)
	}
	if err := s.db.CompleteSyncRun(runID, written); err != nil {
		return err
	}

	metrics.SyncRunsTotal.WithLabelValues(mode, database.RunCompleted).Inc()
	metrics.SyncRecordsWritten.Observe(float64(written))

	s.logger.Info("Completed sync run",
		"run_id", runID,
		"installation_id", installationID,
		"records_written", written)
	return nil
}

// ProcessWebhookEvent converts one provider notification into a targeted
// re-fetch. Unsupported data types are ignored for forward compatibility
// with provider additions; events for since-disconnected installations are
// dropped.
func (s *Syncer) ProcessWebhookEvent(ctx context.Context, installationID, eventType, dataType, objectID string) error {
	family, ok := familyForDataType(dataType)
	if !ok {
		s.logger.Info("Ignoring unsupported data type", "data_type", dataType)
		return nil
	}

	metrics.WebhookEventsProcessedTotal.WithLabelValues(dataType, eventType).Inc()

	if eventType == "delete" {
		end := s.now().UTC()
		start := end.AddDate(0, 0, -(deleteResyncDays - 1))
		return s.SyncRange(ctx, installationID,
			start.Format("2006-01-02"), end.Format("2006-01-02"),
			database.ModeWebhook, "")
	}

	conn, err := s.db.GetConnection(installationID)
	if err != nil {
		return err
	}
	if conn == nil {
		s.logger.Info("Dropping webhook event for disconnected installation",
			"installation_id", installationID, "data_type", dataType)
		return nil
	}
	if conn.Stale {
		s.logger.Info("Dropping webhook event for stale connection",
			"installation_id", installationID, "data_type", dataType)
		return nil
	}

	creds := &oura.Credentials{
		InstallationID: installationID,
		AccessToken:    conn.AccessToken,
		RefreshToken:   conn.RefreshToken,
	}

	doc, err := s.client.FetchOne(ctx, creds, dataType, objectID)
	if err != nil {
		if oura.IsNotFound(err) {
			s.logger.Warn("Webhook object not found, skipping", "data_type", dataType, "object_id", objectID)
			return nil
		}
		s.classifyFailure(installationID, err)
		return err
	}

	_, err = s.upsertDocument(installationID, family, doc)
	return err
}

// upsertDocument normalizes one raw provider document and writes it into the
// per-day record plus a raw snapshot. Only the columns owned by the family
// are touched. Returns whether a write occurred; a document without a day is
// skipped silently because malformed upstream data must not abort the batch.
func (s *Syncer) upsertDocument(installationID string, family Family, raw json.RawMessage) (bool, error) {
	var doc dailyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("Skipping malformed document", "family", family.Name, "error", err)
		return false, nil
	}
	if doc.Day == "" {
		s.logger.Warn("Skipping document without day", "family", family.Name, "document_id", doc.ID)
		return false, nil
	}

	rec := &database.ScoreUpsert{
		Day:          doc.Day,
		Score:        doc.Score,
		Contributors: doc.Contributors,
		Timestamp:    doc.Timestamp,
	}
	if err := s.db.UpsertDailyScore(installationID, family.Name, rec); err != nil {
		return false, err
	}
	if err := s.db.InsertRawSnapshot(installationID, doc.Day, family.Name, raw); err != nil {
		return false, err
	}
	return true, nil
}

// classifyFailure demotes the connection to stale on auth errors so later
// runs stop hammering credentials the provider has rejected; anything else
// is recorded as the installation's last error with the connection intact,
// since it may be a transient outage rather than a revoked grant
func (s *Syncer) classifyFailure(installationID string, cause error) {
	msg := truncate(cause.Error(), 500)

	if oura.IsAuthError(cause) {
		if err := s.db.MarkConnectionStale(installationID, msg); err != nil {
			s.logger.Error("Failed to mark connection stale", "installation_id", installationID, "error", err)
			return
		}
		metrics.ConnectionsMarkedStale.Inc()
		s.logger.Warn("Connection marked stale after auth failure", "installation_id", installationID)
		return
	}

	if err := s.db.RecordInstallationError(installationID, msg); err != nil {
		s.logger.Error("Failed to record installation error", "installation_id", installationID, "error", err)
	}
}

// failRun finalizes the run as failed and re-raises the cause so a queued
// caller can retry the whole run
func (s *Syncer) failRun(runID, mode string, written int, cause error) error {
	if err := s.db.FailSyncRun(runID, written, cause.Error()); err != nil {
		s.logger.Error("Failed to finalize sync run", "run_id", runID, "error", err)
	}
	metrics.SyncRunsTotal.WithLabelValues(mode, database.RunFailed).Inc()
	return cause
}

// finalizeFailed marks the run failed without re-raising, for conditions
// where queue redelivery cannot help
func (s *Syncer) finalizeFailed(runID, mode string, written int, msg string) error {
	if err := s.db.FailSyncRun(runID, written, msg); err != nil {
		s.logger.Error("Failed to finalize sync run", "run_id", runID, "error", err)
		return err
	}
	metrics.SyncRunsTotal.WithLabelValues(mode, database.RunFailed).Inc()
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
