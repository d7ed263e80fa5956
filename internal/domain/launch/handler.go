// Package launch exposes the SMART launch flow and the session summary over
// HTTP.
package launch

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/auth"
	"github.com/ehr/smartvitals/internal/platform/session"
)

// Flow is implemented by *auth.Controller.
type Flow interface {
	Initialize(ctx context.Context, p auth.LaunchParams) (string, error)
	LoginURL(ctx context.Context) (string, error)
	HandleCallback(ctx context.Context, p auth.CallbackParams) error
	Logout(ctx context.Context) error
	Phase(ctx context.Context) (auth.Phase, error)
}

// SessionReader is the read side of the token store.
type SessionReader interface {
	Session(ctx context.Context) (session.AuthSession, error)
}

// SelectionReader is the read side of the patient store.
type SelectionReader interface {
	Selection(ctx context.Context) (session.PatientSelection, error)
}

type Handler struct {
	flow        Flow
	tokens      SessionReader
	patients    SelectionReader
	landingPath string
	logger      zerolog.Logger
}

func NewHandler(flow Flow, tokens SessionReader, patients SelectionReader, landingPath string, logger zerolog.Logger) *Handler {
	if landingPath == "" {
		landingPath = "/"
	}
	return &Handler{
		flow:        flow,
		tokens:      tokens,
		patients:    patients,
		landingPath: landingPath,
		logger:      logger,
	}
}

// RegisterRoutes mounts the browser-facing flow routes on e and the session
// summary on api.
func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	e.GET("/launch", h.Launch)
	e.GET("/login", h.Login)
	e.GET("/callback", h.Callback)
	e.POST("/logout", h.Logout)
	api.GET("/session", h.Session)
}

// SessionSummary is the AuthSession without its tokens, plus the flow phase
// and the patient selection.
type SessionSummary struct {
	IsAuthenticated   bool                     `json:"isAuthenticated"`
	Phase             auth.Phase               `json:"phase"`
	ExpiresAt         *int64                   `json:"expiresAt"`
	PatientID         string                   `json:"patientId,omitempty"`
	UserID            string                   `json:"userId,omitempty"`
	NeedPatientBanner bool                     `json:"needPatientBanner"`
	Error             string                   `json:"error,omitempty"`
	Selection         session.PatientSelection `json:"selection"`
}

func (h *Handler) Launch(c echo.Context) error {
	target, err := h.flow.Initialize(c.Request().Context(), auth.LaunchParams{
		Launch:    c.QueryParam("launch"),
		Issuer:    c.QueryParam("iss"),
		PatientID: c.QueryParam("patient"),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("launch initialization failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start authorization")
	}
	return c.Redirect(http.StatusFound, target)
}

func (h *Handler) Login(c echo.Context) error {
	target, err := h.flow.LoginURL(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("login url failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start authorization")
	}
	return c.Redirect(http.StatusFound, target)
}

// Callback completes the authorization. On success the browser lands on the
// landing path without the code and state in its URL.
func (h *Handler) Callback(c echo.Context) error {
	err := h.flow.HandleCallback(c.Request().Context(), auth.CallbackParams{
		Code:             c.QueryParam("code"),
		State:            c.QueryParam("state"),
		Patient:          c.QueryParam("patient"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
	})
	if err == nil {
		return c.Redirect(http.StatusFound, h.landingPath)
	}

	var (
		restart *auth.FlowRestart
		oauth   *auth.OAuthError
		texErr  *auth.TokenExchangeError
	)
	switch {
	case errors.As(err, &restart):
		h.logger.Info().Msg("authorization code rejected, restarting authorization")
		return c.Redirect(http.StatusFound, restart.RedirectURL)
	case errors.As(err, &oauth):
		return c.JSON(http.StatusBadRequest, oauth)
	case errors.Is(err, auth.ErrStateMismatch), errors.Is(err, auth.ErrMissingCode):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": err.Error(),
		})
	case errors.As(err, &texErr):
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error":           "token_exchange_failed",
			"message":         err.Error(),
			"upstream_status": texErr.StatusCode,
		})
	default:
		h.logger.Error().Err(err).Msg("callback failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "authorization failed")
	}
}

func (h *Handler) Logout(c echo.Context) error {
	if err := h.flow.Logout(c.Request().Context()); err != nil {
		h.logger.Error().Err(err).Msg("logout failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "logout failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Session(c echo.Context) error {
	ctx := c.Request().Context()
	state, err := h.tokens.Session(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	phase, err := h.flow.Phase(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	sel, err := h.patients.Selection(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, SessionSummary{
		IsAuthenticated:   state.IsAuthenticated,
		Phase:             phase,
		ExpiresAt:         state.ExpiresAt,
		PatientID:         state.PatientID,
		UserID:            state.UserID,
		NeedPatientBanner: state.NeedPatientBanner,
		Error:             state.Error,
		Selection:         sel,
	})
}
