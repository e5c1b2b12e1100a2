package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Live sessions per API kind.",
		},
		[]string{"kind"},
	)
	submissionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "submission",
			Name:      "operations_total",
			Help:      "Submission engine operations by result code.",
		},
		[]string{"op", "code"},
	)
	relayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "relay",
			Name:      "outcomes_total",
			Help:      "Relay dispatch outcomes.",
		},
		[]string{"result"},
	)
	relayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "relay",
			Name:      "dispatch_duration_seconds",
			Help:      "Relay dispatch duration in seconds, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "controller",
			Name:      "allocations_total",
			Help:      "Session allocation requests handled by the controller.",
		},
		[]string{"kind", "result"},
	)
	controllerNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "controller",
			Name:      "nodes_connected",
			Help:      "Frontend nodes currently registered with the controller.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsActive,
			submissionOps,
			relayOutcomes,
			relayDuration,
			allocations,
			controllerNodes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetActiveSessions(kind string, n int) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(kind).Set(float64(n))
}

func RecordSubmission(op, code string) {
	RegisterMetrics()
	submissionOps.WithLabelValues(op, code).Inc()
}

func RecordRelay(result string, duration time.Duration) {
	RegisterMetrics()
	relayOutcomes.WithLabelValues(result).Inc()
	relayDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func RecordAllocation(kind, result string) {
	RegisterMetrics()
	allocations.WithLabelValues(kind, result).Inc()
}

func SetControllerNodes(n int) {
	RegisterMetrics()
	controllerNodes.Set(float64(n))
}
