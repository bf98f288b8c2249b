package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the process-wide Prometheus registry. Every
// domain-specific collector (scheduler pools, cache, connection
// channels) lives in domain.go and registers against this same registry
// via RegisterDomainMetrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	uptime   prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus creates the process registry, the standard Go/process
// collectors, and an uptime gauge. Callers then invoke
// RegisterDomainMetrics(namespace) to add the scheduler/cache/connchan
// series before serving PrometheusHandler.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{registry: registry}
	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the server process started.",
		},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)
	registry.MustRegister(pm.uptime)

	promMetrics = pm
}

// PrometheusHandler serves the registry for scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry exposes the registry for any additional collector a
// caller wants to register directly.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
