package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/cors"
	"cors-proxy-go/internal/metrics"
)

// Preflight returns an Echo middleware that answers every OPTIONS request
// itself with 204 and the CORS headers of policy. Preflights never reach
// the upstream. The metrics parameter is optional.
func Preflight(policy *cors.Policy, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodOptions {
				return next(c)
			}

			if m != nil {
				m.PreflightTotal.Inc()
			}

			policy.Apply(c.Response().Header(), req.Header)
			return c.NoContent(http.StatusNoContent)
		}
	}
}
