// Package telemetry exposes Prometheus metrics and OpenTelemetry
// exemplar attachment for chunk fetch/cache/pool/bulk activity
// (spec.md §9 "global mutable counters" redesign note).
package telemetry

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/cpu"
)

// Metrics holds every metric this module emits. It is threaded explicitly
// through the storage engine and the admin API's bulk handlers rather than
// kept as package-level state.
type Metrics struct {
	chunkFetchTotal       *prometheus.CounterVec
	chunkFetchDuration    prometheus.Histogram
	chunkFetchBytesTotal  prometheus.Counter
	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      prometheus.Counter
	chunkVerifyTotal      *prometheus.CounterVec
	poolEvictionsTotal    prometheus.Counter
	poolWaitersGauge      prometheus.Gauge
	bulkOpDuration        *prometheus.HistogramVec
	goroutines            prometheus.Gauge
	memoryAllocBytes      prometheus.Gauge
	hardwareAES           prometheus.Gauge
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against reg,
// useful in tests to avoid cross-test registration conflicts.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		chunkFetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_fetch_total",
			Help: "Total number of chunk fetches attempted against the CDN.",
		}, []string{"result"}),
		chunkFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunk_fetch_duration_seconds",
			Help:    "Duration of CDN chunk fetches.",
			Buckets: prometheus.DefBuckets,
		}),
		chunkFetchBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunk_fetch_bytes_total",
			Help: "Total compressed bytes fetched from the CDN.",
		}),
		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunk_cache_hits_total",
			Help: "Total read_part calls served from the pool or on-disk cache.",
		}),
		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunk_cache_misses_total",
			Help: "Total read_part calls that required a CDN fetch.",
		}),
		chunkVerifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_verify_total",
			Help: "Total chunk SHA-1 verifications, by outcome.",
		}, []string{"result"}),
		poolEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pool_evictions_total",
			Help: "Total chunk pool entry evictions.",
		}),
		poolWaitersGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pool_waiters",
			Help: "Current number of goroutines waiting on a pool entry transition.",
		}),
		bulkOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulk_operation_duration_seconds",
			Help:    "Duration of preload/verify/purge bulk operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "goroutines",
			Help: "Number of goroutines.",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memory_alloc_bytes",
			Help: "Bytes allocated and not yet freed.",
		}),
		hardwareAES: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hardware_aes_ni_available",
			Help: "Whether the CPU reports AES-NI support (diagnostic only; this module does not perform AES).",
		}),
	}
	if cpu.X86.HasAES {
		m.hardwareAES.Set(1)
	}
	return m
}

// ChunkFetched records a successful CDN fetch of bytes compressed bytes.
func (m *Metrics) ChunkFetched(bytes int) {
	m.chunkFetchTotal.WithLabelValues("ok").Inc()
	m.chunkFetchBytesTotal.Add(float64(bytes))
}

// FetchFailed records a failed CDN fetch attempt.
func (m *Metrics) FetchFailed() {
	m.chunkFetchTotal.WithLabelValues("error").Inc()
}

// ObserveFetchDuration records the wall-clock time of one fetch attempt.
func (m *Metrics) ObserveFetchDuration(ctx context.Context, d time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := any(m.chunkFetchDuration).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(d.Seconds(), exemplar)
			return
		}
	}
	m.chunkFetchDuration.Observe(d.Seconds())
}

// CacheHit records a read_part call served without a CDN fetch.
func (m *Metrics) CacheHit() { m.cacheHitsTotal.Inc() }

// CacheMiss records a read_part call that required a CDN fetch.
func (m *Metrics) CacheMiss() { m.cacheMissesTotal.Inc() }

// ChunkVerified records the outcome of a SHA-1 verification.
func (m *Metrics) ChunkVerified(ok bool) {
	if ok {
		m.chunkVerifyTotal.WithLabelValues("ok").Inc()
	} else {
		m.chunkVerifyTotal.WithLabelValues("mismatch").Inc()
	}
}

// PoolEviction records one chunk pool entry eviction.
func (m *Metrics) PoolEviction() { m.poolEvictionsTotal.Inc() }

// SetPoolWaiters reports the current number of goroutines blocked on a
// pool entry's condition variable.
func (m *Metrics) SetPoolWaiters(n int) { m.poolWaitersGauge.Set(float64(n)) }

// ObserveBulkOperation records one bulk operation's total duration.
func (m *Metrics) ObserveBulkOperation(operation string, d time.Duration) {
	m.bulkOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// UpdateSystemMetrics refreshes goroutine count and heap allocation gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(stats.Alloc))
}

// StartSystemMetricsCollector periodically refreshes system metrics until
// ctx is cancelled.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
