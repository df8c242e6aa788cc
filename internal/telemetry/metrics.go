package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks inbound HTTP request latency across every handler.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "keyrelay",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

var RequestsForwardedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "keyrelay",
		Subsystem: "pipeline",
		Name:      "forwarded_total",
		Help:      "Total number of proxied requests by client family and outcome.",
	},
	[]string{"family", "outcome"},
)

var RateLimitBlockedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "keyrelay",
		Subsystem: "ratelimit",
		Name:      "blocked_total",
		Help:      "Total number of requests blocked by a rate-limit dimension.",
	},
	[]string{"dimension"},
)

var CircuitBreakerStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "keyrelay",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per provider (0=closed, 1=half_open, 2=open).",
	},
	[]string{"provider_id"},
)

var ProviderSelectionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "keyrelay",
		Subsystem: "provider",
		Name:      "selected_total",
		Help:      "Total number of times a provider was selected by the resolver.",
	},
	[]string{"provider_id"},
)

var UsageSinkDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "keyrelay",
		Subsystem: "usagesink",
		Name:      "shed_total",
		Help:      "Total number of pending usage rows evicted under backpressure.",
	},
)

var UsageSinkQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "keyrelay",
		Subsystem: "usagesink",
		Name:      "queue_depth",
		Help:      "Current number of buffered usage rows awaiting flush.",
	},
)

var ForwarderRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "keyrelay",
		Subsystem: "forwarder",
		Name:      "retries_total",
		Help:      "Total number of forwarder retries by reason.",
	},
	[]string{"reason"},
)

// All returns every keyrelay-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsForwardedTotal,
		RateLimitBlockedTotal,
		CircuitBreakerStateGauge,
		ProviderSelectionTotal,
		UsageSinkDroppedTotal,
		UsageSinkQueueDepth,
		ForwarderRetryTotal,
	}
}
