package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
)

// cacheMetrics is the Prometheus implementation of cache.Metrics.
type cacheMetrics struct {
	hits       *prometheus.CounterVec
	misses     prometheus.Counter
	failovers  *prometheus.CounterVec
	recoveries *prometheus.CounterVec
}

// NewCacheMetrics creates a Prometheus-backed cache.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called);
// the cache service skips nil metrics entirely.
func NewCacheMetrics() cache.Metrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &cacheMetrics{
		hits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_cache_hits_total",
				Help: "Cache hits by tier (l1, l2)",
			},
			[]string{"tier"},
		),
		misses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "relaymesh_cache_misses_total",
				Help: "Cache misses across both tiers",
			},
		),
		failovers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_cache_failovers_total",
				Help: "Sticky provider fail-overs by source and target provider",
			},
			[]string{"from", "to"},
		),
		recoveries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_cache_recoveries_total",
				Help: "Recovery-probe switches back to the preferred provider",
			},
			[]string{"provider"},
		),
	}
}

func (m *cacheMetrics) CacheHit(tier string) { m.hits.WithLabelValues(tier).Inc() }
func (m *cacheMetrics) CacheMiss()           { m.misses.Inc() }
func (m *cacheMetrics) CacheFailover(from, to string) {
	m.failovers.WithLabelValues(from, to).Inc()
}
func (m *cacheMetrics) CacheRecovery(provider string) {
	m.recoveries.WithLabelValues(provider).Inc()
}

// coordinatorMetrics is the Prometheus implementation of
// coordinator.Metrics.
type coordinatorMetrics struct {
	lockAcquired  *prometheus.CounterVec
	lockContended *prometheus.CounterVec
	isLeader      prometheus.Gauge
}

// NewCoordinatorMetrics creates a Prometheus-backed coordinator.Metrics.
//
// Returns nil if metrics are not enabled.
func NewCoordinatorMetrics() coordinator.Metrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &coordinatorMetrics{
		lockAcquired: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_locks_acquired_total",
				Help: "Distributed lock acquisitions by lock name",
			},
			[]string{"lock"},
		),
		lockContended: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_locks_contended_total",
				Help: "Lock attempts refused because another instance held the lock",
			},
			[]string{"lock"},
		),
		isLeader: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "relaymesh_leader",
				Help: "1 when this instance is the elected leader",
			},
		),
	}
}

func (m *coordinatorMetrics) LockAcquired(name string)  { m.lockAcquired.WithLabelValues(name).Inc() }
func (m *coordinatorMetrics) LockContended(name string) { m.lockContended.WithLabelValues(name).Inc() }
func (m *coordinatorMetrics) LeaderChanged(leader bool) {
	if leader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}

// StreamMetrics instruments the stream transfer path.
type StreamMetrics struct {
	ChunksReceived  prometheus.Counter
	ChunksForwarded prometheus.Counter
	ChunksDropped   prometheus.Counter
	BytesUploaded   prometheus.Counter
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram
}

// NewStreamMetrics creates stream transfer collectors.
//
// Returns nil if metrics are not enabled.
func NewStreamMetrics() *StreamMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &StreamMetrics{
		ChunksReceived: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "relaymesh_stream_chunks_received_total",
				Help: "Chunks accepted by the worker-side ingress",
			},
		),
		ChunksForwarded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "relaymesh_stream_chunks_forwarded_total",
				Help: "Chunks relayed by the leader",
			},
		),
		ChunksDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "relaymesh_stream_chunks_dropped_total",
				Help: "Retransmitted chunks dropped at or below the watermark",
			},
		),
		BytesUploaded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "relaymesh_stream_bytes_uploaded_total",
				Help: "Bytes streamed into upload sinks",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "relaymesh_stream_active_sessions",
				Help: "In-flight stream sessions on this worker",
			},
		),
		SessionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaymesh_stream_session_duration_seconds",
				Help:    "Stream session duration from first chunk to completion",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

// QueueMetrics instruments the queue facade and webhook ingress.
type QueueMetrics struct {
	Published      *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	WebhooksServed *prometheus.CounterVec
	BreakerState   prometheus.Gauge
}

// NewQueueMetrics creates queue collectors.
//
// Returns nil if metrics are not enabled.
func NewQueueMetrics() *QueueMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &QueueMetrics{
		Published: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_queue_published_total",
				Help: "Messages published by topic",
			},
			[]string{"topic"},
		),
		PublishErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_queue_publish_errors_total",
				Help: "Failed publishes by topic",
			},
			[]string{"topic"},
		),
		WebhooksServed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymesh_webhooks_served_total",
				Help: "Inbound webhooks by topic and verification outcome",
			},
			[]string{"topic", "outcome"},
		),
		BreakerState: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "relaymesh_queue_breaker_state",
				Help: "Transport circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),
	}
}
