// Package metrics declares the process-wide Prometheus collectors.
// Collectors register against the default registry; internal/ops
// serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts ingest pipeline outcomes. result is one of
	// accepted, quarantined, rate_limited, dropped.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_messages_total",
		Help: "Ingest pipeline message outcomes.",
	}, []string{"result"})

	// QueueDepth tracks internal queue occupancy per queue name.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetd_queue_depth",
		Help: "Current depth of internal queues.",
	}, []string{"queue"})

	// RecordsWritten counts telemetry rows committed to the store.
	RecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_records_written_total",
		Help: "Telemetry records committed to the time-series table.",
	})

	// BatchesFlushed counts successful batch writer flushes.
	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_batches_flushed_total",
		Help: "Successful batch writer flushes.",
	})

	// FlushSeconds observes batch flush latency.
	FlushSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetd_batch_write_seconds",
		Help:    "Batch flush latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// CacheHits and CacheMisses count lookups per cache (auth,
	// metric_map, routes).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_cache_hits_total",
		Help: "Cache hits per cache.",
	}, []string{"cache"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_cache_misses_total",
		Help: "Cache misses per cache.",
	}, []string{"cache"})

	// MetricKeysRewritten counts metric keys rewritten to canonical
	// form during normalization.
	MetricKeysRewritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_metric_keys_rewritten_total",
		Help: "Metric keys rewritten to canonical names.",
	})

	// RouteJobsDropped counts delivery jobs dropped because the
	// fan-out queue was full.
	RouteJobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_route_jobs_dropped_total",
		Help: "Delivery jobs dropped on a full fan-out queue.",
	})

	// DeliveryFailures counts route delivery failures per destination
	// kind.
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_delivery_failures_total",
		Help: "Route delivery failures per destination kind.",
	}, []string{"kind"})

	// DLQWrites counts dead-letter rows written.
	DLQWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_dlq_writes_total",
		Help: "Dead-letter entries recorded.",
	})
)
