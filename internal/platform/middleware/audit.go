package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry records one access to patient data made through the app.
type AuditEntry struct {
	SessionID    string
	UserID       string
	ResourceType string
	PatientID    string
	Action       string // read, create, update, delete
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditSubject identifies who acted and on which patient.
type AuditSubject struct {
	UserID    string
	PatientID string
}

// SubjectResolver looks up the acting user and selected patient of the
// request's session.
type SubjectResolver func(c echo.Context) AuditSubject

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request that touches patient data (/api/patient and
// below). The patient is taken from the ?id= query when present, otherwise
// from the session via resolve. Entries are always logged and additionally
// handed to the first recorder, if any.
func Audit(logger zerolog.Logger, resolve SubjectResolver, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   c.Response().Status,
				Action:       httpMethodToAction(req.Method),
				ResourceType: resourceTypeForPath(path),
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				}
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.SessionID, _ = c.Get("session_id").(string)

			var subject AuditSubject
			if resolve != nil {
				subject = resolve(c)
			}
			entry.UserID = subject.UserID
			entry.PatientID = strings.TrimPrefix(c.QueryParam("id"), "Patient/")
			if entry.PatientID == "" {
				entry.PatientID = subject.PatientID
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_audit").
				Str("request_id", entry.RequestID).
				Str("session_id", entry.SessionID).
				Str("user_id", entry.UserID).
				Str("resource_type", entry.ResourceType).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return path == "/api/patient" || strings.HasPrefix(path, "/api/patient/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceTypeForPath maps app routes to the FHIR resource they proxy.
func resourceTypeForPath(path string) string {
	if strings.HasPrefix(path, "/api/patient/vitals") {
		return "Observation"
	}
	return "Patient"
}
