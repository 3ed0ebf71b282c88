package metrics

import (
	"context"
	"log/slog"
	"time"
)

// QueueDepthSource is the subset of the database used by the collector
type QueueDepthSource interface {
	GetQueueDepth(table string) (total, ready, processing int, err error)
}

// StartQueueDepthCollector periodically samples queue depths into gauges.
// Blocks until ctx is cancelled.
func StartQueueDepthCollector(ctx context.Context, src QueueDepthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	collect := func() {
		for table, queueType := range map[string]string{
			"sync_jobs":    QueueTypeSyncJob,
			"webhook_jobs": QueueTypeWebhook,
		} {
			total, ready, processing, err := src.GetQueueDepth(table)
			if err != nil {
				slog.Error("Failed to collect queue depth", "table", table, "error", err)
				continue
			}
			QueueDepthTotal.WithLabelValues(queueType).Set(float64(total))
			QueueDepthReady.WithLabelValues(queueType).Set(float64(ready))
			QueueDepthProcessing.WithLabelValues(queueType).Set(float64(processing))
		}
	}

	collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collect()
		}
	}
}
