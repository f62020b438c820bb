package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	embeddingCalls        *prometheus.CounterVec
	embeddingCallDuration *prometheus.HistogramVec
	cacheEvents           *prometheus.CounterVec
	cacheEntries          prometheus.Gauge

	indexOps         *prometheus.CounterVec
	indexOpDuration  *prometheus.HistogramVec
	indexBatchUpsert prometheus.Histogram

	queuePasses      *prometheus.CounterVec
	jobsProcessed    *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	jobsPending      prometheus.Gauge
	consistencyScore prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			embeddingCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_provider_calls_total",
					Help: "Total embedding provider calls by channel and status.",
				},
				[]string{"channel", "status"},
			),
			embeddingCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "embedding_provider_call_duration_seconds",
					Help:    "Embedding provider call duration in seconds by channel.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"channel"},
			),
			cacheEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_cache_events_total",
					Help: "Embedding cache lookups by result.",
				},
				[]string{"result"},
			),
			cacheEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "embedding_cache_entries",
					Help: "Current embedding cache entry count.",
				},
			),
			indexOps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vector_index_operations_total",
					Help: "Total vector index operations by op and status.",
				},
				[]string{"op", "status"},
			),
			indexOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vector_index_operation_duration_seconds",
					Help:    "Vector index operation duration in seconds by op.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			indexBatchUpsert: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vector_index_upsert_batch_size",
					Help:    "Record count per upsert batch sent to the index.",
					Buckets: []float64{1, 10, 25, 50, 100},
				},
			),
			queuePasses: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generation_queue_passes_total",
					Help: "Total queue processing passes by outcome.",
				},
				[]string{"status"},
			),
			jobsProcessed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generation_jobs_processed_total",
					Help: "Total generation jobs processed by terminal status.",
				},
				[]string{"status"},
			),
			jobDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "generation_job_duration_seconds",
					Help:    "Generation job execution duration in seconds.",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
				},
			),
			jobsPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "generation_jobs_pending",
					Help: "Queued generation jobs at the end of the last pass.",
				},
			),
			consistencyScore: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "consistency_score",
					Help:    "Consistency scores produced by the scorer (0-100).",
					Buckets: prometheus.LinearBuckets(0, 10, 11),
				},
			),
		}

		prometheus.MustRegister(
			m.embeddingCalls,
			m.embeddingCallDuration,
			m.cacheEvents,
			m.cacheEntries,
			m.indexOps,
			m.indexOpDuration,
			m.indexBatchUpsert,
			m.queuePasses,
			m.jobsProcessed,
			m.jobDuration,
			m.jobsPending,
			m.consistencyScore,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the HTTP handler exposing the metrics endpoint
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordEmbeddingCall records one provider round trip
func RecordEmbeddingCall(channel string, d time.Duration, success bool) {
	m := getMetrics()
	m.embeddingCalls.WithLabelValues(channel, statusLabel(success)).Inc()
	m.embeddingCallDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordCacheEvent records an embedding cache lookup outcome
func RecordCacheEvent(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().cacheEvents.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the live cache entry gauge
func SetCacheEntries(n int) {
	getMetrics().cacheEntries.Set(float64(n))
}

// RecordIndexOp records one vector index operation
func RecordIndexOp(op string, d time.Duration, success bool) {
	m := getMetrics()
	m.indexOps.WithLabelValues(op, statusLabel(success)).Inc()
	m.indexOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordUpsertBatch records the size of one upsert batch
func RecordUpsertBatch(size int) {
	getMetrics().indexBatchUpsert.Observe(float64(size))
}

// RecordQueuePass records the outcome of one queue processing pass
func RecordQueuePass(success bool) {
	getMetrics().queuePasses.WithLabelValues(statusLabel(success)).Inc()
}

// RecordJobProcessed records one job reaching a terminal status
func RecordJobProcessed(status string, d time.Duration) {
	m := getMetrics()
	m.jobsProcessed.WithLabelValues(status).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// SetJobsPending sets the pending jobs gauge
func SetJobsPending(n int) {
	getMetrics().jobsPending.Set(float64(n))
}

// ObserveConsistencyScore records a produced consistency score
func ObserveConsistencyScore(score float64) {
	getMetrics().consistencyScore.Observe(score)
}
