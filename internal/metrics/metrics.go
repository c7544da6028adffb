// Package metrics exposes the Prometheus gauges and counters named in
// SPEC_FULL.md §6: queue depth, dispatch latency, heartbeat health, and
// upgrade outcomes, served from supervisord's :9191/metrics endpoint the
// same way the teacher's server module serves /metrics from its chi
// router, just via net/http instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zylos"

var (
	// QueueDepth tracks pending+running row counts per store/status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of rows currently in the given store and status.",
	}, []string{"store", "status"})

	// DispatchLatency measures the time from claim to submit outcome.
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time from claiming an item to its submit outcome.",
		Buckets:   prometheus.DefBuckets,
	})

	// HeartbeatHealth mirrors the Liveness Engine's current health as a
	// gauge (1 for the active state, 0 otherwise), labeled by state name.
	HeartbeatHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_health",
		Help:      "1 if the liveness engine is currently in this health state, else 0.",
	}, []string{"health"})

	// UpgradeOutcomes counts completed Component Upgrader runs by result.
	UpgradeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upgrade_outcomes_total",
		Help:      "Count of component upgrade attempts by outcome.",
	}, []string{"component", "outcome"})
)

// SetHeartbeatHealth zeroes every known health label, then sets the
// current one to 1, so Grafana/alerting sees exactly one active series.
func SetHeartbeatHealth(current string, known []string) {
	for _, h := range known {
		v := 0.0
		if h == current {
			v = 1.0
		}
		HeartbeatHealth.WithLabelValues(h).Set(v)
	}
}
