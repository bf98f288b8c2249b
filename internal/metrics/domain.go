package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// domainMetrics collects the request-servicing core's own Prometheus
// series: scheduler pool gauges, cache hit/miss/eviction counters, and
// connection-channel counts. Grounded on PrometheusMetrics's
// CounterVec/GaugeVec/HistogramVec style in prometheus.go, registered
// against the same global registry via InitPrometheus.
type domainMetrics struct {
	poolCurrent  *prometheus.GaugeVec
	poolIdle     *prometheus.GaugeVec
	poolWaiting  *prometheus.GaugeVec
	poolCreating *prometheus.GaugeVec
	poolReadyAgainTotal *prometheus.CounterVec
	poolRejectedTotal   *prometheus.CounterVec

	// The cache package already accumulates these monotonically in
	// Cache.Stats(); these gauges mirror that latest snapshot rather than
	// double-counting events through a second Prometheus counter.
	cacheHits    *prometheus.GaugeVec
	cacheMisses  *prometheus.GaugeVec
	cacheExpired *prometheus.GaugeVec
	cachePruned  *prometheus.GaugeVec
	cacheFlushed *prometheus.GaugeVec
	cacheSize    *prometheus.GaugeVec

	channelsOpen      prometheus.Gauge
	channelBytesTotal *prometheus.CounterVec
}

var (
	domainOnce sync.Once
	domain     *domainMetrics
)

func initDomain(namespace string) {
	domainOnce.Do(func() {
		domain = &domainMetrics{
			poolCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "scheduler", Name: "pool_current_threads",
				Help: "Current worker thread count per pool.",
			}, []string{"server", "pool"}),
			poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "scheduler", Name: "pool_idle_threads",
				Help: "Idle worker thread count per pool.",
			}, []string{"server", "pool"}),
			poolWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "scheduler", Name: "pool_wait_queue_depth",
				Help: "Admitted-but-undispatched connection count per pool.",
			}, []string{"server", "pool"}),
			poolCreating: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "scheduler", Name: "pool_creating_threads",
				Help: "Worker threads currently starting up per pool.",
			}, []string{"server", "pool"}),
			poolReadyAgainTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "scheduler", Name: "pool_ready_again_total",
				Help: "Times a pool's free list transitioned from empty to non-empty.",
			}, []string{"server", "pool"}),
			poolRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "scheduler", Name: "pool_admission_rejected_total",
				Help: "Connections rejected at admission (saturated pool or shutdown).",
			}, []string{"server", "pool", "reason"}),

			cacheHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "cache", Name: "hits",
				Help: "Cumulative cache lookups that found a live value.",
			}, []string{"cache"}),
			cacheMisses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "cache", Name: "misses",
				Help: "Cumulative cache lookups that found no live value.",
			}, []string{"cache"}),
			cacheExpired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "cache", Name: "expired",
				Help: "Cumulative entries removed lazily because their TTL elapsed.",
			}, []string{"cache"}),
			cachePruned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "cache", Name: "pruned",
				Help: "Cumulative entries evicted by LRU pressure.",
			}, []string{"cache"}),
			cacheFlushed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "cache", Name: "flushed",
				Help: "Cumulative entries removed by an explicit flush operation.",
			}, []string{"cache"}),
			cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "cache", Name: "current_size_bytes",
				Help: "Current aggregate resident value size.",
			}, []string{"cache"}),

			channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "connchan", Name: "open_channels",
				Help: "Currently registered connection channels.",
			}),
			channelBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "connchan", Name: "bytes_total",
				Help: "Bytes moved through connection channels.",
			}, []string{"channel", "direction"}),
		}
	})
}

// RegisterDomainMetrics registers the domain collectors against the
// Prometheus registry InitPrometheus created, under the same namespace.
// Safe to call once after InitPrometheus; a no-op if InitPrometheus was
// never called.
func RegisterDomainMetrics(namespace string) {
	if promMetrics == nil {
		return
	}
	initDomain(namespace)
	collectors := []prometheus.Collector{
		domain.poolCurrent, domain.poolIdle, domain.poolWaiting, domain.poolCreating,
		domain.poolReadyAgainTotal, domain.poolRejectedTotal,
		domain.cacheHits, domain.cacheMisses, domain.cacheExpired,
		domain.cachePruned, domain.cacheFlushed, domain.cacheSize,
		domain.channelsOpen, domain.channelBytesTotal,
	}
	for _, c := range collectors {
		promMetrics.registry.MustRegister(c)
	}
}

// ObserveSchedulerPool publishes one pool's gauges.
func ObserveSchedulerPool(server, pool string, current, idle, waiting, creating int) {
	if domain == nil {
		return
	}
	domain.poolCurrent.WithLabelValues(server, pool).Set(float64(current))
	domain.poolIdle.WithLabelValues(server, pool).Set(float64(idle))
	domain.poolWaiting.WithLabelValues(server, pool).Set(float64(waiting))
	domain.poolCreating.WithLabelValues(server, pool).Set(float64(creating))
}

// ObserveSchedulerPoolReadyAgain counts a free-list empty-to-non-empty
// transition for a pool.
func ObserveSchedulerPoolReadyAgain(server, pool string) {
	if domain == nil {
		return
	}
	domain.poolReadyAgainTotal.WithLabelValues(server, pool).Inc()
}

// ObserveSchedulerRejected counts an admission rejection.
func ObserveSchedulerRejected(server, pool, reason string) {
	if domain == nil {
		return
	}
	domain.poolRejectedTotal.WithLabelValues(server, pool, reason).Inc()
}

// ObserveCacheStats publishes one cache's counters as an absolute-value
// snapshot, mirroring Cache.Stats()'s own monotonic bookkeeping.
func ObserveCacheStats(name string, hits, misses, expired, pruned, flushed uint64, currentSize int64) {
	if domain == nil {
		return
	}
	domain.cacheSize.WithLabelValues(name).Set(float64(currentSize))
	domain.cacheHits.WithLabelValues(name).Set(float64(hits))
	domain.cacheMisses.WithLabelValues(name).Set(float64(misses))
	domain.cacheExpired.WithLabelValues(name).Set(float64(expired))
	domain.cachePruned.WithLabelValues(name).Set(float64(pruned))
	domain.cacheFlushed.WithLabelValues(name).Set(float64(flushed))
}

// ObserveChannelOpened/Closed track the connchan registry's live count.
func ObserveChannelOpened() {
	if domain == nil {
		return
	}
	domain.channelsOpen.Inc()
}

func ObserveChannelClosed() {
	if domain == nil {
		return
	}
	domain.channelsOpen.Dec()
}

// ObserveChannelBytes records bytes moved in a given direction ("read"
// or "write") for a named channel.
func ObserveChannelBytes(channel, direction string, n int) {
	if domain == nil || n <= 0 {
		return
	}
	domain.channelBytesTotal.WithLabelValues(channel, direction).Add(float64(n))
}
