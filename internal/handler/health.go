package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusSource reports the proxy listener state.
type StatusSource interface {
	IsRunning() bool
	Port() (int, error)
	Target() string
}

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	source  StatusSource
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(source StatusSource, v Version) *HealthHandler {
	return &HealthHandler{source: source, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Target  string `json:"target"`
	Running bool   `json:"running"`
	Port    int    `json:"port,omitempty"`
}

// Status returns proxy status information. It answers 503 while the proxy
// listener is stopped.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Target:  h.source.Target(),
		Running: h.source.IsRunning(),
	}

	code := http.StatusOK
	if port, err := h.source.Port(); err == nil {
		resp.Port = port
	} else {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, resp)
}
