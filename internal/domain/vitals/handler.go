package vitals

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/fhir"
	"github.com/ehr/smartvitals/internal/platform/session"
)

// LoginURLer builds a fresh authorization URL for a session that must sign
// in again.
type LoginURLer interface {
	LoginURL(ctx context.Context) (string, error)
}

type Handler struct {
	svc    *Service
	login  LoginURLer
	logger zerolog.Logger
}

func NewHandler(svc *Service, login LoginURLer, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, login: login, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patient", h.GetPatient)
	api.GET("/patient/vitals", h.ListVitals)
	api.POST("/patient/vitals", h.CreateVital)
}

type vitalsResponse struct {
	PatientID string              `json:"patientId"`
	Total     int                 `json:"total"`
	Vitals    []*fhir.Observation `json:"vitals"`
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.LoadPatient(c.Request().Context(), c.QueryParam("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListVitals(c echo.Context) error {
	ctx := c.Request().Context()
	pid, err := h.svc.ResolvePatientID(ctx, c.QueryParam("id"))
	if err != nil {
		return h.fail(c, err)
	}
	obs, err := h.svc.ListVitals(ctx, pid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, vitalsResponse{PatientID: pid, Total: len(obs), Vitals: obs})
}

func (h *Handler) CreateVital(c echo.Context) error {
	var req VitalObservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	obs, err := h.svc.RecordVital(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, obs)
}

// fail renders err. A session that must sign in again gets 401 with the URL
// to send the browser to; FHIR server failures become 502.
func (h *Handler) fail(c echo.Context, err error) error {
	var (
		lre *session.LoginRequiredError
		he  *HTTPError
		ve  *ValidationError
		re  *RetryExhaustedError
	)
	switch {
	case errors.As(err, &lre):
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":     "login_required",
			"login_url": lre.LoginURL,
		})
	case errors.Is(err, ErrNotAuthenticated):
		resp := map[string]string{"error": "not_authenticated"}
		if u, lerr := h.login.LoginURL(c.Request().Context()); lerr == nil {
			resp["login_url"] = u
		} else {
			h.logger.Error().Err(lerr).Msg("failed to build login url")
		}
		return c.JSON(http.StatusUnauthorized, resp)
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid_request",
			"fields": ve.Fields,
		})
	case errors.Is(err, ErrNoPatient), errors.Is(err, ErrMissingValue):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.As(err, &he):
		resp := map[string]interface{}{
			"error":           "upstream_error",
			"message":         err.Error(),
			"upstream_status": he.StatusCode,
			"upstream_body":   he.Body,
		}
		if oo := he.Outcome(); oo != nil {
			resp["outcome"] = oo.Summary()
		}
		if errors.As(err, &re) {
			resp["attempts"] = re.Attempts
		}
		return c.JSON(http.StatusBadGateway, resp)
	default:
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("vitals request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
