package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const sessionIDKey contextKey = "session_id"

// NewContext returns a copy of ctx carrying the session id.
func NewContext(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sid)
}

// IDFromContext returns the session id carried by ctx, or "".
func IDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// CookieConfig configures the session cookie issued by Middleware.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// Middleware ensures every request carries a session id. An existing
// cookie holding a valid UUID is reused; otherwise a new id is minted and
// set as an HttpOnly cookie. The id is placed on the request context and on
// the echo context under "session_id".
func Middleware(cfg CookieConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sid := ""
			if ck, err := c.Cookie(cfg.Name); err == nil {
				if _, perr := uuid.Parse(ck.Value); perr == nil {
					sid = ck.Value
				}
			}
			if sid == "" {
				sid = uuid.NewString()
				c.SetCookie(&http.Cookie{
					Name:     cfg.Name,
					Value:    sid,
					Path:     "/",
					MaxAge:   int(cfg.MaxAge.Seconds()),
					HttpOnly: true,
					Secure:   cfg.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			c.Set("session_id", sid)
			req := c.Request()
			c.SetRequest(req.WithContext(NewContext(req.Context(), sid)))
			return next(c)
		}
	}
}
