package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"oura-sync/internal/database"
	"oura-sync/internal/secrets"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	key := make([]byte, secrets.KeyLen)
	codec, err := secrets.NewCodec(key)
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}
	db, err := database.Open(t.TempDir()+"/test.db", codec)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeSyncService records processed jobs and signals each one on processed
type fakeSyncService struct {
	mu        sync.Mutex
	calls     []string
	processed chan struct{}

	failSync    bool
	failWebhook bool
}

func newFakeSyncService() *fakeSyncService {
	return &fakeSyncService{processed: make(chan struct{}, 16)}
}

func (f *fakeSyncService) SyncRange(ctx context.Context, installationID, startDate, endDate, mode, runID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "sync:"+startDate)
	f.mu.Unlock()
	f.processed <- struct{}{}
	if f.failSync {
		return errors.New("sync boom")
	}
	return nil
}

func (f *fakeSyncService) ProcessWebhookEvent(ctx context.Context, installationID, eventType, dataType, objectID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "webhook:"+objectID)
	f.mu.Unlock()
	f.processed <- struct{}{}
	if f.failWebhook {
		return errors.New("webhook boom")
	}
	return nil
}

func (f *fakeSyncService) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

type fakeMaintainer struct {
	mu      sync.Mutex
	ensures int
	renews  int
}

func (f *fakeMaintainer) Ensure(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return nil
}

func (f *fakeMaintainer) Renew(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return nil
}

func (f *fakeMaintainer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensures, f.renews
}

func awaitProcessed(t *testing.T, svc *fakeSyncService, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-svc.processed:
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestWorkerDrainsQueuesWebhookFirst(t *testing.T) {
	db := openTestDB(t)
	inst, err := db.CreateInstallation("hash-worker")
	if err != nil {
		t.Fatalf("Failed to create installation: %v", err)
	}

	// The sync job is older, but the webhook job must still go first
	if _, err := db.EnqueueSyncJob(inst.ID, "2026-08-01", "2026-08-14", database.ModeDelta, nil); err != nil {
		t.Fatalf("Failed to enqueue sync job: %v", err)
	}
	if _, err := db.EnqueueWebhookJob(inst.ID, "update", "daily_sleep", "doc-1"); err != nil {
		t.Fatalf("Failed to enqueue webhook job: %v", err)
	}

	svc := newFakeSyncService()
	maintainer := &fakeMaintainer{}
	w := New(db, svc, maintainer).WithPollInterval(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	awaitProcessed(t, svc, 2)
	cancel()

	calls := svc.callLog()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 processed jobs, got %v", calls)
	}
	if calls[0] != "webhook:doc-1" {
		t.Errorf("Expected webhook job first, got %v", calls)
	}
	if calls[1] != "sync:2026-08-01" {
		t.Errorf("Expected sync job second, got %v", calls)
	}

	// Completed jobs are gone from both queues
	waitForEmptyQueues(t, db)

	ensures, renews := maintainer.counts()
	if ensures != 1 || renews != 1 {
		t.Errorf("Expected one maintenance pass, got ensures=%d renews=%d", ensures, renews)
	}
}

func waitForEmptyQueues(t *testing.T, db *database.DB) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		webhookTotal, _, _, err := db.GetQueueDepth("webhook_jobs")
		if err != nil {
			t.Fatalf("Failed to get queue depth: %v", err)
		}
		syncTotal, _, _, err := db.GetQueueDepth("sync_jobs")
		if err != nil {
			t.Fatalf("Failed to get queue depth: %v", err)
		}
		if webhookTotal == 0 && syncTotal == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Queues not drained: webhook=%d sync=%d", webhookTotal, syncTotal)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerReleasesFailedSyncJob(t *testing.T) {
	db := openTestDB(t)
	inst, err := db.CreateInstallation("hash-fail-sync")
	if err != nil {
		t.Fatalf("Failed to create installation: %v", err)
	}
	if _, err := db.EnqueueSyncJob(inst.ID, "2026-08-01", "2026-08-14", database.ModeDelta, nil); err != nil {
		t.Fatalf("Failed to enqueue sync job: %v", err)
	}

	svc := newFakeSyncService()
	svc.failSync = true
	w := New(db, svc, &fakeMaintainer{})

	job, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if job == nil {
		t.Fatal("Expected a claimed job")
	}
	w.processSyncJob(context.Background(), job)

	// The job stays queued for retry but is not immediately claimable
	total, ready, processing, err := db.GetQueueDepth("sync_jobs")
	if err != nil {
		t.Fatalf("Failed to get queue depth: %v", err)
	}
	if total != 1 || ready != 0 || processing != 0 {
		t.Errorf("Expected released job waiting for backoff, got total=%d ready=%d processing=%d",
			total, ready, processing)
	}

	reclaimed, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if reclaimed != nil {
		t.Error("Expected no claimable job during backoff")
	}
}

func TestWorkerReleasesFailedWebhookJob(t *testing.T) {
	db := openTestDB(t)
	inst, err := db.CreateInstallation("hash-fail-webhook")
	if err != nil {
		t.Fatalf("Failed to create installation: %v", err)
	}
	if _, err := db.EnqueueWebhookJob(inst.ID, "update", "daily_sleep", "doc-2"); err != nil {
		t.Fatalf("Failed to enqueue webhook job: %v", err)
	}

	svc := newFakeSyncService()
	svc.failWebhook = true
	w := New(db, svc, &fakeMaintainer{})

	job, err := db.ClaimWebhookJob()
	if err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if job == nil {
		t.Fatal("Expected a claimed job")
	}
	w.processWebhookJob(context.Background(), job)

	total, ready, processing, err := db.GetQueueDepth("webhook_jobs")
	if err != nil {
		t.Fatalf("Failed to get queue depth: %v", err)
	}
	if total != 1 || ready != 0 || processing != 0 {
		t.Errorf("Expected released job waiting for backoff, got total=%d ready=%d processing=%d",
			total, ready, processing)
	}
}

func TestMaintenanceRunsOncePerInterval(t *testing.T) {
	db := openTestDB(t)
	maintainer := &fakeMaintainer{}
	w := New(db, newFakeSyncService(), maintainer)

	w.runMaintenance(context.Background())
	w.runMaintenance(context.Background())
	w.runMaintenance(context.Background())

	ensures, renews := maintainer.counts()
	if ensures != 1 || renews != 1 {
		t.Errorf("Expected a single maintenance pass within the interval, got ensures=%d renews=%d",
			ensures, renews)
	}
}
