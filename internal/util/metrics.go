package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Total number of quantity ledger entries written",
	}, []string{"reason", "source"})

	LedgerAppendsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_rejected_total",
		Help: "Total number of rejected ledger appends",
	}, []string{"reason"})

	OutboxEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_enqueued_total",
		Help: "Total number of outbox entries enqueued",
	}, []string{"provider", "kind"})

	OutboxDuplicateEnqueues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_duplicate_enqueues_total",
		Help: "Total number of enqueue calls answered as already queued",
	}, []string{"provider"})

	OutboxProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_processed_total",
		Help: "Total number of outbox entries reaching a terminal status",
	}, []string{"provider", "status"})

	OutboxRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_retries_total",
		Help: "Total number of outbox entries rescheduled for retry",
	}, []string{"provider"})

	SyncLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_sync_latency_seconds",
		Help:    "Latency of one outbox entry from claim to terminal status",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Duration of outbound marketplace HTTP attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status"})

	UpstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_retries_total",
		Help: "Total number of upstream attempts beyond the first",
	}, []string{"provider"})

	RateLimitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Total number of locally denied rate limit consumptions",
	}, []string{"provider", "bucket"})

	QuotaAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_quota_alerts_total",
		Help: "Total number of quota threshold alerts emitted",
	}, []string{"provider", "bucket"})

	UndoTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "undo_operations_total",
		Help: "Total number of undo compensations applied",
	}, []string{"change_type"})

	UndoRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "undo_operations_rejected_total",
		Help: "Total number of rejected undo attempts",
	}, []string{"reason"})

	OrderEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_order_events_total",
		Help: "Total number of marketplace order events applied to the ledger",
	}, []string{"provider", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
