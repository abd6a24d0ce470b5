// Package prometheus exposes deployment lifecycle metrics.
package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxorio/verticle/pkg/core"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()
)

// Metrics holds the runtime metrics. It is a core.DeploymentListener:
// register it with GoCMD.AddListener.
type Metrics struct {
	// Deployment metrics
	Deployments       *prometheus.GaugeVec
	TransitionsTotal  *prometheus.CounterVec
	PhasesTotal       *prometheus.CounterVec
	PhaseDuration     *prometheus.HistogramVec
	VerticlesDeployed prometheus.Gauge

	// HTTP request metrics, fed by FastHTTPMiddleware
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the metrics on registry under namespace (default
// "fluxor"). A nil registry means DefaultRegistry.
func NewMetrics(registry *prometheus.Registry, namespace string) *Metrics {
	if registry == nil {
		registry = DefaultRegistry
	}
	if namespace == "" {
		namespace = "fluxor"
	}
	factory := promauto.With(registry)

	return &Metrics{
		Deployments: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments",
				Help:      "Number of deployments per lifecycle state",
			},
			[]string{"state"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_transitions_total",
				Help:      "Total number of deployment state transitions",
			},
			[]string{"from", "to"},
		),
		PhasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_phases_total",
				Help:      "Total number of settled start and stop phases",
			},
			[]string{"phase", "outcome"}, // outcome: success, failure
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lifecycle_phase_duration_seconds",
				Help:      "Time from dispatching a lifecycle hook to the phase settling",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"phase", "outcome"},
		),
		VerticlesDeployed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "verticle_count",
				Help:      "Number of deployed verticles",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		gatherer: registry,
	}
}

// OnDeploymentEvent implements core.DeploymentListener.
func (m *Metrics) OnDeploymentEvent(ev core.DeploymentEvent) {
	m.TransitionsTotal.WithLabelValues(ev.From.String(), ev.To.String()).Inc()

	// Undeployed records are forgotten, so they are not counted.
	if ev.From != core.DeploymentStateUndeployed {
		m.Deployments.WithLabelValues(ev.From.String()).Dec()
	}
	if ev.To != core.DeploymentStateUndeployed {
		m.Deployments.WithLabelValues(ev.To.String()).Inc()
	}

	switch {
	case ev.From == core.DeploymentStateStarting && ev.To == core.DeploymentStateDeployed:
		m.VerticlesDeployed.Inc()
		m.observePhase(core.PhaseStart, "success", ev.Duration)
	case ev.From == core.DeploymentStateStarting:
		m.observePhase(core.PhaseStart, "failure", ev.Duration)
	case ev.From == core.DeploymentStateDeployed:
		m.VerticlesDeployed.Dec()
	case ev.From == core.DeploymentStateStopping && ev.To == core.DeploymentStateUndeployed:
		m.observePhase(core.PhaseStop, "success", ev.Duration)
	case ev.From == core.DeploymentStateStopping:
		m.observePhase(core.PhaseStop, "failure", ev.Duration)
	}
}

func (m *Metrics) observePhase(phase core.Phase, outcome string, d time.Duration) {
	m.PhasesTotal.WithLabelValues(string(phase), outcome).Inc()
	m.PhaseDuration.WithLabelValues(string(phase), outcome).Observe(d.Seconds())
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	code := statusCodeString(status)
	m.HTTPRequestsTotal.WithLabelValues(method, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, code).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// statusCodeString converts status code to string
func statusCodeString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
