package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "outpost"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_operations",
			Help:      "Queued operations by status.",
		},
		[]string{"status"},
	)

	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by kind.",
		},
		[]string{"kind"},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Settled operations by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit state by kind (0 closed, 1 half-open, 2 open).",
		},
		[]string{"kind"},
	)

	circuitTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Transitions into the open state by kind.",
		},
		[]string{"kind"},
	)

	drainPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_passes_total",
			Help:      "Completed drain passes.",
		},
	)

	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of drain passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_resolutions_total",
			Help:      "Server updates reconciled by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reachability_online",
			Help:      "1 when the backend is reachable.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			queueDepth,
			attempts,
			deliveries,
			circuitState,
			circuitTrips,
			drainPasses,
			drainDuration,
			conflicts,
			online,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// SetQueueDepth replaces the per-status queue gauges.
func SetQueueDepth(byStatus map[string]int) {
	for status, n := range byStatus {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

func IncAttempt(kind string) {
	attempts.WithLabelValues(kind).Inc()
}

// IncDelivery records how an operation settled: succeeded, failed or requeued.
func IncDelivery(kind, outcome string) {
	deliveries.WithLabelValues(kind, outcome).Inc()
}

// SetCircuitState exports the breaker state for kind.
func SetCircuitState(kind, state string) {
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	circuitState.WithLabelValues(kind).Set(v)
}

func IncCircuitTrip(kind string) {
	circuitTrips.WithLabelValues(kind).Inc()
}

// ObserveDrain records one finished drain pass.
func ObserveDrain(d time.Duration) {
	drainPasses.Inc()
	drainDuration.Observe(d.Seconds())
}

func IncResolution(strategy, result string) {
	conflicts.WithLabelValues(strategy, result).Inc()
}

func SetOnline(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}
