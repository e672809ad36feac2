package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/metrics"
)

// Metrics returns an Echo middleware that records inbound request metrics.
// Duration covers the whole exchange, streamed body included. A nil m
// yields a pass-through middleware.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if m == nil {
			return next
		}
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			record(m, c, err, time.Since(start))
			return err
		}
	}
}

// statusOf returns the status the caller will see. An *echo.HTTPError
// returned by the handler is only written later by Echo's error handler.
func statusOf(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}

func record(m *metrics.Metrics, c echo.Context, err error, d time.Duration) {
	status := strconv.Itoa(statusOf(c, err))
	method := metrics.NormalizeMethod(c.Request().Method)

	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method, status).Observe(d.Seconds())
}
