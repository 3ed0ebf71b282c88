package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeWebhook = "webhook"
	QueueTypeSyncJob = "sync_job"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"

	// Worker outcomes
	OutcomeWebhookFound = "webhook_found"
	OutcomeSyncJobFound = "sync_job_found"
	OutcomeIdle         = "idle"

	// HTTP endpoints
	EndpointRegister      = "register"
	EndpointConnect       = "connect"
	EndpointOAuthCallback = "oauth_callback"
	EndpointStatus        = "status"
	EndpointScores        = "scores"
	EndpointSync          = "sync"
	EndpointDisconnect    = "disconnect"
	EndpointWebhook       = "webhook_callback"
	EndpointHealth        = "health"

	// Oura API operations
	OpExchangeCode       = "exchange_code"
	OpRefreshToken       = "refresh_token"
	OpFetchProfile       = "fetch_profile"
	OpListCollection     = "list_collection"
	OpFetchOne           = "fetch_one"
	OpCreateSubscription = "create_subscription"
	OpUpdateSubscription = "update_subscription"
	OpDeleteSubscription = "delete_subscription"
	OpListSubscriptions  = "list_subscriptions"

	// Database operations
	DBOpEnqueueSyncJob    = "enqueue_sync_job"
	DBOpClaimSyncJob      = "claim_sync_job"
	DBOpDeleteSyncJob     = "delete_sync_job"
	DBOpReleaseSyncJob    = "release_sync_job"
	DBOpEnqueueWebhookJob = "enqueue_webhook_job"
	DBOpClaimWebhookJob   = "claim_webhook_job"
	DBOpDeleteWebhookJob  = "delete_webhook_job"
	DBOpReleaseWebhookJob = "release_webhook_job"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueDepthProcessing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_processing",
			Help: "Number of items currently being processed",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_total",
			Help: "Total number of retry attempts",
		},
		[]string{"queue_type", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether the worker is currently active (1) or not (0)",
		},
	)
)

// Oura API Metrics
var (
	OuraAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oura_api_requests_total",
			Help: "Total number of Oura API requests",
		},
		[]string{"operation", "status_code"},
	)

	OuraAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oura_api_request_duration_seconds",
			Help:    "Oura API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "status_code"},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "Total number of OAuth token refreshes by outcome",
		},
		[]string{"result"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	WebhookEventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_processed_total",
			Help: "Total number of webhook events processed",
		},
		[]string{"data_type", "event_type"},
	)

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	SyncRecordsWritten = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_records_written",
			Help:    "Number of records written per sync run",
			Buckets: []float64{0, 1, 3, 6, 12, 25, 50, 100, 250, 500},
		},
	)

	ConnectionsMarkedStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "connections_marked_stale_total",
			Help: "Total number of connections demoted to stale after auth failures",
		},
	)
)
