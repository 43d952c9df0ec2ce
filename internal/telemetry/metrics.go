// Package telemetry exposes Prometheus metrics for the batch driver and
// calibration loop.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metrics container.
type Metrics struct {
	PoolSlotsInUse   prometheus.Gauge
	PoolCapacity     prometheus.Gauge
	SiteRunsTotal    *prometheus.CounterVec // labels: outcome
	SiteRunDuration  prometheus.Histogram
	FailedSites      prometheus.Counter
	GenerationBest   prometheus.Gauge
	GenerationSeconds prometheus.Gauge
	GenerationETASeconds prometheus.Gauge
}

var defaultMetrics *Metrics

// Init registers the collectors under the given namespace. Safe to call once.
func Init(namespace string) *Metrics {
	m := &Metrics{
		PoolSlotsInUse: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_slots_in_use",
			Help: "Worker pool slots currently checked out",
		}),
		PoolCapacity: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_capacity",
			Help: "Configured worker pool capacity",
		}),
		SiteRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "site_runs_total",
			Help: "Per-site engine runs by outcome",
		}, []string{"outcome"}),
		SiteRunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "site_run_duration_seconds",
			Help:    "Wall time of one per-site engine invocation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FailedSites: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "failed_sites_total",
			Help: "Sites whose index was recorded as failed",
		}),
		GenerationBest: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "calibration_generation_best_objective",
			Help: "Best objective value observed so far during calibration",
		}),
		GenerationSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "calibration_generation_seconds",
			Help: "Rolling mean wall time per optimizer generation",
		}),
		GenerationETASeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "calibration_generation_eta_seconds",
			Help: "Estimated remaining seconds for the calibration run",
		}),
	}
	defaultMetrics = m
	return m
}

// Default returns the metrics registered by Init, or, if Init was never
// called, calls Init with the namespace "geoepic_unregistered" and returns
// those collectors.
func Default() *Metrics {
	if defaultMetrics == nil {
		return Init("geoepic_unregistered")
	}
	return defaultMetrics
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
