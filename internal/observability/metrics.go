// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "candle_cache"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Ingestion metrics
	TicksProcessed  prometheus.Counter
	RecordsCreated  prometheus.Counter
	RecordsUpdated  prometheus.Counter
	CacheSize       prometheus.Gauge
	LastTickApplied prometheus.Gauge

	// Eviction metrics
	RecordsEvicted *prometheus.CounterVec

	// Flush metrics
	FlushDuration   prometheus.Histogram
	FlushErrors     prometheus.Counter
	RecordsFlushed  prometheus.Counter
	LastFlushUnixTS prometheus.Gauge

	// Store metrics
	StoreQueryDuration *prometheus.HistogramVec
	StoreQueryErrors   *prometheus.CounterVec

	// Query metrics
	PagesServed   *prometheus.CounterVec
	CandlesServed prometheus.Counter

	// Feed metrics
	FeedReconnects    prometheus.Counter
	FeedFramesDropped prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics registers metrics on the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, namespace)
}

// NewRegistryMetrics registers metrics on a fresh registry. Tests use it to
// avoid duplicate registration panics.
func NewRegistryMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	return NewMetricsWith(reg, reg, namespace)
}

// NewMetricsWith registers metrics on reg and serves them from g.
func NewMetricsWith(reg prometheus.Registerer, g prometheus.Gatherer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		TicksProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "ticks_processed_total",
			Help:      "Total number of ticks applied to the cache",
		}),
		RecordsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "records_created_total",
			Help:      "Total number of candle records opened",
		}),
		RecordsUpdated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "records_updated_total",
			Help:      "Total number of updates to existing candle records",
		}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "cache_records",
			Help:      "Number of candle records held in memory",
		}),
		LastTickApplied: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last applied tick",
		}),

		RecordsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "records_evicted_total",
			Help:      "Total number of candle records evicted",
		}, []string{"target"}),

		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Duration of cache flushes to the store",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		FlushErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "errors_total",
			Help:      "Total number of failed flushes",
		}),
		RecordsFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "records_total",
			Help:      "Total number of candle records written to the store",
		}),
		LastFlushUnixTS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "last_success_timestamp",
			Help:      "Unix timestamp of the last successful flush",
		}),

		StoreQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "query_duration_seconds",
			Help:      "Duration of candle store operations",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"backend", "operation"}),
		StoreQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "query_errors_total",
			Help:      "Total number of failed candle store operations",
		}, []string{"backend", "operation"}),

		PagesServed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "pages_served_total",
			Help:      "Total number of candle pages served by interval",
		}, []string{"interval"}),
		CandlesServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "candles_served_total",
			Help:      "Total number of candles returned in pages",
		}),

		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnect attempts",
		}),
		FeedFramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "frames_dropped_total",
			Help:      "Total number of malformed feed frames dropped",
		}),

		gatherer: g,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordTick records one applied tick and whether it opened new records.
func (m *Metrics) RecordTick(at time.Time, created, updated int) {
	m.TicksProcessed.Inc()
	m.RecordsCreated.Add(float64(created))
	m.RecordsUpdated.Add(float64(updated))
	m.LastTickApplied.Set(float64(at.Unix()))
}

// RecordFlush records a flush attempt.
func (m *Metrics) RecordFlush(records int, elapsed time.Duration, err error) {
	m.FlushDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.FlushErrors.Inc()
		return
	}
	m.RecordsFlushed.Add(float64(records))
	m.LastFlushUnixTS.SetToCurrentTime()
}

// RecordEviction records records removed from target ("cache" or "store").
func (m *Metrics) RecordEviction(target string, n int64) {
	if n <= 0 {
		return
	}
	m.RecordsEvicted.WithLabelValues(target).Add(float64(n))
}

// RecordStoreQuery records store operation metrics.
func (m *Metrics) RecordStoreQuery(backend, operation string, elapsed time.Duration, err error) {
	m.StoreQueryDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
	if err != nil {
		m.StoreQueryErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordPage records a served page.
func (m *Metrics) RecordPage(interval string, candles int) {
	m.PagesServed.WithLabelValues(interval).Inc()
	m.CandlesServed.Add(float64(candles))
}

// SetCacheSize updates the cache size gauge.
func (m *Metrics) SetCacheSize(n int) {
	m.CacheSize.Set(float64(n))
}
