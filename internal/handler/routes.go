package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes sends every path and method on the proxy listener to the
// proxy handler. It must be called after the other middleware is added.
//
// Any only registers Echo's fixed method list, so extension methods (PURGE,
// MKCOL, QUERY, ...) would get the router's 405. The proxy handler is
// therefore also installed as the innermost middleware, where it replaces
// whatever handler the router picked.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/*", proxy.Handle)
	e.Use(func(echo.HandlerFunc) echo.HandlerFunc {
		return proxy.Handle
	})
}

// RegisterAdminRoutes wires the health, status and metrics endpoints onto
// the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, metricsPath string, metrics http.Handler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if metrics != nil {
		e.GET(metricsPath, echo.WrapHandler(metrics))
	}
}
