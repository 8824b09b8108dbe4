// Package telemetry exposes the Prometheus metrics surface described in
// spec §6: queue depth and age, fetch outcomes, rate-limiter wait time,
// renderer pool utilization, and worker state.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for FetchOutcomeTotal, mirroring spec §6's metrics table
// (domain.FetchOutcome with errors split into transient/permanent; there is
// no separate label for domain.OutcomeBlockedRate).
const (
	OutcomeOK               = "ok"
	OutcomeNotModified      = "not_modified"
	OutcomeSkippedTooLarge  = "skipped_too_large"
	OutcomeBlockedRobots    = "blocked_robots"
	OutcomeErrorTransient   = "error_transient"
	OutcomeErrorPermanent   = "error_permanent"
)

// Metrics bundles every collector CrawlMesh registers.
type Metrics struct {
	QueueSize            *prometheus.GaugeVec
	QueueOldestAgeSecs   *prometheus.GaugeVec
	FetchOutcomeTotal    *prometheus.CounterVec
	RateWaitSeconds      prometheus.Histogram
	RenderInUse          prometheus.Gauge
	RenderAvailable      prometheus.Gauge
	WorkerState          *prometheus.GaugeVec
	DNSCacheHitTotal     prometheus.Counter
	DNSCacheMissTotal    prometheus.Counter
	RobotsCacheHitTotal  prometheus.Counter
	RobotsCacheMissTotal prometheus.Counter
}

// New builds and registers every collector against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests hermetic; passing
// prometheus.DefaultRegisterer wires into the global exporter.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlmesh_queue_size",
			Help: "Current number of records in a named queue.",
		}, []string{"queue"}),
		QueueOldestAgeSecs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlmesh_queue_oldest_age_seconds",
			Help: "Age of the oldest record currently in a named queue.",
		}, []string{"queue"}),
		FetchOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlmesh_fetch_outcome_total",
			Help: "Count of fetch attempts by outcome.",
		}, []string{"outcome"}),
		RateWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlmesh_rate_wait_seconds",
			Help:    "Time spent waiting on the rate limiter before a fetch.",
			Buckets: prometheus.DefBuckets,
		}),
		RenderInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlmesh_render_in_use",
			Help: "Renderer pool instances currently checked out.",
		}),
		RenderAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlmesh_render_available",
			Help: "Renderer pool instances currently idle.",
		}),
		WorkerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlmesh_worker_state",
			Help: "Worker count in a given state, by role.",
		}, []string{"role", "state"}),
		DNSCacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_dns_cache_hit_total",
			Help: "DNS cache hits.",
		}),
		DNSCacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_dns_cache_miss_total",
			Help: "DNS cache misses.",
		}),
		RobotsCacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_robots_cache_hit_total",
			Help: "robots.txt cache hits.",
		}),
		RobotsCacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_robots_cache_miss_total",
			Help: "robots.txt cache misses.",
		}),
	}

	reg.MustRegister(
		m.QueueSize, m.QueueOldestAgeSecs, m.FetchOutcomeTotal, m.RateWaitSeconds,
		m.RenderInUse, m.RenderAvailable, m.WorkerState,
		m.DNSCacheHitTotal, m.DNSCacheMissTotal, m.RobotsCacheHitTotal, m.RobotsCacheMissTotal,
	)

	return m
}

// ObserveRateWait records time spent blocked in the rate limiter.
func (m *Metrics) ObserveRateWait(d time.Duration) {
	m.RateWaitSeconds.Observe(d.Seconds())
}

// IncFetchOutcome increments the counter for outcome.
func (m *Metrics) IncFetchOutcome(outcome string) {
	m.FetchOutcomeTotal.WithLabelValues(outcome).Inc()
}

// SetQueueStats updates the size and oldest-age gauges for a named queue.
func (m *Metrics) SetQueueStats(queueName string, size int, oldestAge time.Duration) {
	m.QueueSize.WithLabelValues(queueName).Set(float64(size))
	m.QueueOldestAgeSecs.WithLabelValues(queueName).Set(oldestAge.Seconds())
}

// SetWorkerState records the count of workers with role in state.
func (m *Metrics) SetWorkerState(role, state string, count int) {
	m.WorkerState.WithLabelValues(role, state).Set(float64(count))
}
