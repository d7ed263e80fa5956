// Package telemetry exposes Prometheus metrics for the vitals app: HTTP
// server traffic, the SMART token lifecycle and outbound FHIR calls.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every collector the app records. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	TokenExchanges *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec
	FlowRestarts   prometheus.Counter

	FHIRRequests        *prometheus.CounterVec
	FHIRRequestDuration *prometheus.HistogramVec
	VitalWriteAttempts  *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration against the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitals_http_requests_total",
			Help: "HTTP requests served, by method, route and status code",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vitals_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitals_http_active_requests",
			Help: "HTTP requests currently in flight",
		}),
		TokenExchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitals_token_exchanges_total",
			Help: "Authorization code exchanges by outcome",
		}, []string{"outcome"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitals_token_refreshes_total",
			Help: "Refresh grants by outcome",
		}, []string{"outcome"}),
		FlowRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_auth_flow_restarts_total",
			Help: "Authorization flows restarted after an invalid_grant",
		}),
		FHIRRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitals_fhir_requests_total",
			Help: "Outbound FHIR requests by operation and status code",
		}, []string{"operation", "status_code"}),
		FHIRRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vitals_fhir_request_duration_seconds",
			Help:    "Outbound FHIR request latency by operation",
			Buckets: defaultDurationBuckets,
		}, []string{"operation"}),
		VitalWriteAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitals_vital_write_attempts_total",
			Help: "Observation POST attempts by vital type and outcome",
		}, []string{"type", "outcome"}),
	}
}

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRetry   = "retry"
	OutcomeRestart = "restart"
)

func (m *Metrics) TokenExchange(outcome string) {
	if m == nil {
		return
	}
	m.TokenExchanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FlowRestart() {
	if m == nil {
		return
	}
	m.FlowRestarts.Inc()
}

// ObserveFHIR records one outbound FHIR call. statusCode is 0 for
// transport failures.
func (m *Metrics) ObserveFHIR(operation string, statusCode int, start time.Time) {
	if m == nil {
		return
	}
	m.FHIRRequests.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	m.FHIRRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) VitalWriteAttempt(vitalType, outcome string) {
	if m == nil {
		return
	}
	m.VitalWriteAttempts.WithLabelValues(vitalType, outcome).Inc()
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server
// metrics labelled by route pattern.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}

			m.ActiveRequests.Inc()
			start := time.Now()
			req := c.Request()

			err := next(c)

			m.ActiveRequests.Dec()

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			m.HTTPRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
