// Package middleware provides Echo middleware for logging, metrics and CORS
// preflight handling.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// exchangeIDKey is the echo.Context key holding the exchange id.
const exchangeIDKey = "exchange_id"

// ExchangeID returns the id RequestLogger assigned to the exchange, or a
// fresh one when the middleware is not installed.
func ExchangeID(c echo.Context) string {
	if id, ok := c.Get(exchangeIDKey).(string); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	c.Set(exchangeIDKey, id)
	return id
}

// RequestLogger returns an Echo middleware that assigns every exchange an
// id and writes one access line for it once the response is done. Answers
// of 500 and above are logged at Warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := ExchangeID(c)
			start := time.Now()

			err := next(c)

			req := c.Request()
			status := statusOf(c, err)
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}

			logger.LogAttrs(req.Context(), level, "request",
				slog.String(exchangeIDKey, id),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_out", c.Response().Size),
			)

			return err
		}
	}
}
