package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TokenExchange(OutcomeSuccess)
	m.TokenRefresh(OutcomeFailure)
	m.FlowRestart()
	m.ObserveFHIR("read-patient", 200, time.Now())
	m.VitalWriteAttempt("heart-rate", OutcomeRetry)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := m.MetricsMiddleware()(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TokenExchange(OutcomeSuccess)
	m.TokenExchange(OutcomeRestart)
	m.TokenExchange(OutcomeRestart)
	m.FlowRestart()
	m.VitalWriteAttempt("temperature", OutcomeRetry)

	if got := testutil.ToFloat64(m.TokenExchanges.WithLabelValues(OutcomeRestart)); got != 2 {
		t.Errorf("expected 2 restarts, got %v", got)
	}
	if got := testutil.ToFloat64(m.FlowRestarts); got != 1 {
		t.Errorf("expected 1 flow restart, got %v", got)
	}
	if got := testutil.ToFloat64(m.VitalWriteAttempts.WithLabelValues("temperature", OutcomeRetry)); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestMetricsMiddleware_RecordsRoute(t *testing.T) {
	m := New(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/patient/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patient/123", nil))

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/patient/:id", "200")); got != 1 {
		t.Errorf("expected 1 request on route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveRequests); got != 0 {
		t.Errorf("expected no active requests, got %v", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveFHIR("search-observation", 504, time.Now())

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := m.PrometheusHandler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `vitals_fhir_requests_total{operation="search-observation",status_code="504"} 1`) {
		t.Errorf("expected FHIR counter in exposition, got:\n%s", body)
	}
}
