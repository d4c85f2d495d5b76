// Package metrics exposes Prometheus collectors for the valuation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slabvalue"

var (
	// Registry holds the engine's collectors.
	Registry = prometheus.NewRegistry()

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache reads by tier and result (hit, miss, stale, error).",
		},
		[]string{"tier", "result"},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live process-local cache entries.",
		},
	)

	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by outcome (committed, rolled_back, rejected).",
		},
		[]string{"outcome"},
	)

	pollOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "outcomes_total",
			Help:      "Poll controller terminal states.",
		},
		[]string{"state"},
	)

	pollAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "attempts_total",
			Help:      "Comp fetch attempts issued by poll controllers.",
		},
	)

	compSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compsearch",
			Name:      "request_duration_seconds",
			Help:      "Duration of comp search requests.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"status"},
	)

	valuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "valuation",
			Name:      "computed_total",
			Help:      "Valuations computed by confidence rating.",
		},
		[]string{"rating"},
	)
)

func init() {
	Registry.MustRegister(
		cacheLookups,
		cacheEntries,
		mutations,
		pollOutcomes,
		pollAttempts,
		compSearchDuration,
		valuations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// CacheLookup records a cache read.
func CacheLookup(tier, result string) {
	cacheLookups.WithLabelValues(tier, result).Inc()
}

// CacheEntries sets the live entry gauge.
func CacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// Mutation records an optimistic mutation outcome.
func Mutation(outcome string) {
	mutations.WithLabelValues(outcome).Inc()
}

// PollAttempt records one poll fetch.
func PollAttempt() {
	pollAttempts.Inc()
}

// PollOutcome records a poll controller reaching a terminal state.
func PollOutcome(state string) {
	pollOutcomes.WithLabelValues(state).Inc()
}

// CompSearch records a comp search request.
func CompSearch(status string, d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	compSearchDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Valuation records a computed valuation.
func Valuation(rating string) {
	valuations.WithLabelValues(rating).Inc()
}
