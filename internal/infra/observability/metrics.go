package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the content API. It implements
// cache.Recorder and dedup.Recorder.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	cacheSets       *prometheus.CounterVec
	cacheDeletes    *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	cacheCoalesced  *prometheus.CounterVec
	viewsTotal      *prometheus.CounterVec
	dedupRecords    *prometheus.GaugeVec
	sweepDuration   *prometheus.HistogramVec
	sweepRemoved    *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blog_request_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_store_errors_total",
				Help: "Total errors returned by the content store.",
			},
			[]string{"operation"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		cacheSets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_cache_sets_total",
				Help: "Total cache writes.",
			},
			[]string{"cache"},
		),
		cacheDeletes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_cache_deletes_total",
				Help: "Total explicit cache deletes.",
			},
			[]string{"cache"},
		),
		cacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_cache_expired_evictions_total",
				Help: "Total entries removed because their TTL passed.",
			},
			[]string{"cache"},
		),
		cacheCoalesced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_cache_coalesced_total",
				Help: "Total GetOrSet callers served by a population another caller started.",
			},
			[]string{"cache"},
		),
		viewsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_views_total",
				Help: "Post views by dedup outcome.",
			},
			[]string{"window", "outcome"},
		),
		dedupRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blog_dedup_records",
				Help: "Subjects currently tracked by the view dedup window.",
			},
			[]string{"window"},
		),
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blog_sweep_duration_seconds",
				Help:    "Duration of background sweeps.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"sweeper"},
		),
		sweepRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_sweep_removed_total",
				Help: "Records removed by background sweeps.",
			},
			[]string{"sweeper"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrStoreError increments the store error counter.
func (m *Metrics) IncrStoreError(operation string) {
	m.storeErrors.WithLabelValues(operation).Inc()
}

// --- cache.Recorder ---

func (m *Metrics) CacheHit(cache string)    { m.cacheHits.WithLabelValues(cache).Inc() }
func (m *Metrics) CacheMiss(cache string)   { m.cacheMisses.WithLabelValues(cache).Inc() }
func (m *Metrics) CacheSet(cache string)    { m.cacheSets.WithLabelValues(cache).Inc() }
func (m *Metrics) CacheDelete(cache string) { m.cacheDeletes.WithLabelValues(cache).Inc() }

func (m *Metrics) CacheEvicted(cache string, n int) {
	m.cacheEvictions.WithLabelValues(cache).Add(float64(n))
}

func (m *Metrics) CacheCoalesced(cache string) {
	m.cacheCoalesced.WithLabelValues(cache).Inc()
}

// ObserveSweep records one sweep run. Shared by cache and dedup sweepers.
func (m *Metrics) ObserveSweep(name string, removed int, d time.Duration) {
	m.sweepDuration.WithLabelValues(name).Observe(d.Seconds())
	if removed > 0 {
		m.sweepRemoved.WithLabelValues(name).Add(float64(removed))
	}
}

// --- dedup.Recorder ---

func (m *Metrics) DedupAccepted(window string) {
	m.viewsTotal.WithLabelValues(window, "accepted").Inc()
}

func (m *Metrics) DedupSuppressed(window string) {
	m.viewsTotal.WithLabelValues(window, "suppressed").Inc()
}

func (m *Metrics) DedupRecords(window string, n int) {
	m.dedupRecords.WithLabelValues(window).Set(float64(n))
}

// ViewCounts returns the cumulative accepted and suppressed views for a window.
func (m *Metrics) ViewCounts(window string) (accepted, suppressed float64) {
	return getCounterValue(m.viewsTotal, window, "accepted"),
		getCounterValue(m.viewsTotal, window, "suppressed")
}

// CoalescedTotal returns the cumulative coalesced GetOrSet callers for the
// named caches.
func (m *Metrics) CoalescedTotal(caches ...string) float64 {
	total := 0.0
	for _, c := range caches {
		total += getCounterValue(m.cacheCoalesced, c)
	}
	return total
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
