package api

import (
	"net/http"
	"strings"

	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/effective-security/xlog"
	"github.com/labstack/echo/v4"
)

// Origins is the list of web origins allowed to use the agent
type Origins []string

// Allowed returns true for listed origins and for requests without
// Origin, which browsers always send on cross-origin requests.
func (o Origins) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, allowed := range o {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// Guard rejects requests from origins not in the list before they reach
// a handler. CORS headers alone do not stop simple cross-origin POSTs.
func (o Origins) Guard() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get(echo.HeaderOrigin)
			if !o.Allowed(origin) {
				logger.KV(xlog.WARNING, "reason", "origin", "origin", origin, "path", c.Path())
				return c.JSON(http.StatusForbidden, domain.ErrorResponse{
					Code:    domain.ErrCodeOriginNotAllowed,
					Message: domain.ErrMsgOriginNotAllowed,
				})
			}
			return next(c)
		}
	}
}
