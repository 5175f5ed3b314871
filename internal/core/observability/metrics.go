// Package observability holds the Prometheus series exported by the cache.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridcache_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	lookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_lookups_total",
			Help: "Cell lookups by outcome (hit, stale, miss, joined, queued).",
		},
		[]string{"outcome"},
	)

	batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_batches_total",
			Help: "Dispatched batches by result.",
		},
		[]string{"result"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridcache_batch_size",
			Help:    "Distinct addresses per dispatched batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridcache_batch_duration_seconds",
			Help:    "Round trip of one batch including demultiplexing.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	inflightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcache_inflight",
		Help: "Addresses with an outstanding fetch.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcache_queue_depth",
		Help: "Distinct addresses waiting for dispatch.",
	})

	subscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcache_subscribers",
		Help: "Distinct (address, observer) registrations.",
	})

	entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcache_entries",
		Help: "Entries held by the cache store.",
	})

	gateBlocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcache_gate_blocked",
		Help: "1 while the backpressure gate blocks draining.",
	})

	gateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_gate_transitions_total",
			Help: "Backpressure gate transitions by target state.",
		},
		[]string{"to"},
	)

	withdrawn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcache_withdrawn_total",
		Help: "Requests withdrawn before dispatch.",
	})

	swept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridcache_swept_total",
		Help: "Expired entries evicted by sweeps.",
	})

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Shared record cache operations by result.",
		},
		[]string{"op", "result"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	l2Results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_l2_results_total",
			Help: "Shared record cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcache_invalidations_total",
			Help: "Ownership invalidation events by op and result.",
		},
		[]string{"op", "result"},
	)

	invalidationLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridcache_invalidation_lag_seconds",
		Help: "Approximate lag: now - event timestamp.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds, buildInfo,
		lookups, batches, batchSize, batchDuration,
		inflightGauge, queueDepth, subscribersGauge, entriesGauge,
		gateBlocked, gateTransitions, withdrawn, swept,
		cacheOps, redisOpDuration, l2Results,
		invalidations, invalidationLag,
	}
}

// Init registers every series on reg. A collector may live in several
// registries, so tests can call Init with a fresh registry each time.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on && reg != nil)
	if !on || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

// Enabled reports whether Init registered the series.
func Enabled() bool { return enabled.Load() }

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func ObserveLookup(outcome string) {
	lookups.WithLabelValues(outcome).Inc()
}

func ObserveBatch(result string, size int, durationSeconds float64) {
	batches.WithLabelValues(result).Inc()
	batchSize.Observe(float64(size))
	batchDuration.Observe(durationSeconds)
}

// SetCoreGauges publishes the sizes of the core structures.
func SetCoreGauges(entries, queued, inflight, subscribers int) {
	entriesGauge.Set(float64(entries))
	queueDepth.Set(float64(queued))
	inflightGauge.Set(float64(inflight))
	subscribersGauge.Set(float64(subscribers))
}

func SetGateBlocked(blocked bool) {
	if blocked {
		gateBlocked.Set(1)
		return
	}
	gateBlocked.Set(0)
}

func IncGateTransition(to string) {
	gateTransitions.WithLabelValues(to).Inc()
}

func IncWithdrawn() { withdrawn.Inc() }

func AddSwept(n int) {
	if n > 0 {
		swept.Add(float64(n))
	}
}

// ObserveCacheOp records one redis operation.
func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOps.WithLabelValues(op, res).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func AddL2Hits(n int) {
	if n > 0 {
		l2Results.WithLabelValues("hit").Add(float64(n))
	}
}

func AddL2Misses(n int) {
	if n > 0 {
		l2Results.WithLabelValues("miss").Add(float64(n))
	}
}

func ObserveInvalidation(op, result string) {
	if op == "" {
		op = "unknown"
	}
	invalidations.WithLabelValues(op, result).Inc()
}

func SetInvalidationLagSeconds(v float64) {
	if v < 0 {
		v = 0
	}
	invalidationLag.Set(v)
}
