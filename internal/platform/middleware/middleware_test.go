package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// ---------------------------------------------------------------------------
// RequestID
// ---------------------------------------------------------------------------

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/", nil)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, strings.Repeat("x", 200))

	RequestID()(okHandler)(c)

	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected a generated uuid, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Logger / Recovery
// ---------------------------------------------------------------------------

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, _ := newTestContext(http.MethodGet, "/test", nil)
	c.Set("request_id", "req-1")
	c.Set("session_id", "sid-1")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"request_id":"req-1"`, `"session_id":"sid-1"`, `"status":200`, `"path":"/test"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log line %s", want, out)
		}
	}
}

func TestLogger_HandlesError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, rec := newTestContext(http.MethodGet, "/missing", nil)

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	}

	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected warn level, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	c, _ := newTestContext(http.MethodGet, "/panic", nil)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(logger)(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	c, _ := newTestContext(http.MethodGet, "/ok", nil)

	if err := Recovery(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func TestAudit_PatientRead(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/patient?id=Patient/p-9", nil)
	c.Set("request_id", "req-123")
	c.Set("session_id", "sid-1")

	resolve := func(c echo.Context) AuditSubject {
		return AuditSubject{UserID: "Practitioner/1", PatientID: "p-selected"}
	}

	if err := Audit(zerolog.Nop(), resolve, rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 entry, got %d", rec.count())
	}
	e := rec.entries[0]
	if e.PatientID != "p-9" || e.UserID != "Practitioner/1" || e.SessionID != "sid-1" || e.RequestID != "req-123" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.ResourceType != "Patient" || e.Action != "read" || e.StatusCode != http.StatusOK {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestAudit_VitalsCreateUsesSelectedPatient(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/patient/vitals", nil)

	resolve := func(c echo.Context) AuditSubject {
		return AuditSubject{PatientID: "p-selected"}
	}
	handler := func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	}

	Audit(zerolog.Nop(), resolve, rec)(handler)(c)

	e := rec.entries[0]
	if e.PatientID != "p-selected" || e.ResourceType != "Observation" || e.Action != "create" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestAudit_SkipsOtherPaths(t *testing.T) {
	rec := &mockRecorder{}
	for _, path := range []string{"/health", "/launch", "/api/session", "/api/patients-export"} {
		c, _ := newTestContext(http.MethodGet, path, nil)
		Audit(zerolog.Nop(), nil, rec)(okHandler)(c)
	}
	if rec.count() != 0 {
		t.Errorf("expected no entries, got %d", rec.count())
	}
}

func TestAudit_RecorderErrorDoesNotFailRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	c, _ := newTestContext(http.MethodGet, "/api/patient", nil)

	if err := Audit(zerolog.Nop(), nil, rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAudit_RecordsHandlerErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/patient", nil)
	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	Audit(zerolog.Nop(), nil, rec)(handler)(c)

	if rec.entries[0].StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.entries[0].StatusCode)
	}
}

// ---------------------------------------------------------------------------
// SecurityHeaders
// ---------------------------------------------------------------------------

func TestSecurityHeaders(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/api/session", nil)
	if err := SecurityHeaders(false)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("expected no HSTS without TLS")
	}

	c, rec = newTestContext(http.MethodGet, "/api/session", nil)
	SecurityHeaders(true)(okHandler)(c)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS header")
	}
}

// ---------------------------------------------------------------------------
// BodyLimit
// ---------------------------------------------------------------------------

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	c, rec := newTestContext(http.MethodPost, "/api/patient/vitals", strings.NewReader(strings.Repeat("a", 2048)))

	called := false
	handler := func(c echo.Context) error {
		called = true
		return nil
	}

	BodyLimit("1K")(handler)(c)

	if called {
		t.Error("expected handler not to run")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimit_RejectsWhileReading(t *testing.T) {
	c, _ := newTestContext(http.MethodPost, "/api/patient/vitals", strings.NewReader(strings.Repeat("a", 2048)))
	c.Request().ContentLength = -1

	var readErr error
	handler := func(c echo.Context) error {
		_, readErr = io.ReadAll(c.Request().Body)
		return nil
	}

	BodyLimit("1K")(handler)(c)

	var he *echo.HTTPError
	if !errors.As(readErr, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 read error, got %v", readErr)
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	c, _ := newTestContext(http.MethodPost, "/api/patient/vitals", strings.NewReader(`{"type":"heart-rate"}`))

	var body []byte
	handler := func(c echo.Context) error {
		body, _ = io.ReadAll(c.Request().Body)
		return nil
	}

	BodyLimit("64K")(handler)(c)

	if string(body) != `{"type":"heart-rate"}` {
		t.Errorf("unexpected body %q", body)
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"":     1 << 20,
		"512":  512,
		"64K":  64 << 10,
		"64kb": 64 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
		"junk": 1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}
