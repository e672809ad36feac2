// Package proxy assembles the CORS proxy: a listener that answers
// preflights itself and forwards everything else to a target base URI,
// adding permissive CORS headers to every response.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/cors"
	"cors-proxy-go/internal/handler"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/middleware"
	"cors-proxy-go/internal/server"
	"cors-proxy-go/internal/service"
)

// Construction defaults.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8080
)

// Config holds the construction parameters of a Proxy.
type Config struct {
	// Target is the base URI requests are forwarded to (http or https).
	Target string
	// Host and Port are the bind address. Port 0 picks an ephemeral port.
	Host string
	Port int
	// AllowCredentials echoes the request Origin with
	// Access-Control-Allow-Credentials instead of the "*" wildcard.
	AllowCredentials bool
	// ExtraHeaders are allowed and exposed in addition to the defaults.
	ExtraHeaders []string

	Upstream client.Options
}

// Proxy is the CORS proxy. Its lifecycle methods (Start, Stop, IsRunning,
// Port) come from the embedded server.
type Proxy struct {
	*server.Server

	target  *service.Target
	policy  *cors.Policy
	handler http.Handler
}

// New creates a stopped Proxy.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Proxy, error) {
	return build(cfg, cors.NewPolicy(cfg.AllowCredentials, cfg.ExtraHeaders), logger, m)
}

// NewMCP creates a stopped Proxy whose allowed and exposed headers also
// include the MCP streamable HTTP headers (cors.MCPHeaders).
func NewMCP(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Proxy, error) {
	return build(cfg, cors.NewMCPPolicy(cfg.AllowCredentials, cfg.ExtraHeaders), logger, m)
}

func build(cfg Config, policy *cors.Policy, logger *slog.Logger, m *metrics.Metrics) (*Proxy, error) {
	target, err := service.ParseTarget(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("proxy: port must be 0-65535; got %d", cfg.Port)
	}
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}

	upstream := client.NewUpstreamClient(cfg.Upstream, logger, m)
	svc := service.NewProxyService(upstream, target, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("component", "access_log")))
	e.Use(middleware.Metrics(m))
	e.Use(middleware.Preflight(policy, m))
	handler.RegisterRoutes(e, handler.NewProxyHandler(svc, policy, logger, m))

	srv := server.New(host, cfg.Port, e, logger.With("component", "proxy_listener"),
		server.WithOnStop(upstream.CloseIdleConnections),
	)

	return &Proxy{
		Server:  srv,
		target:  target,
		policy:  policy,
		handler: e,
	}, nil
}

// Target returns the target base URI with any password redacted.
func (p *Proxy) Target() string {
	return p.target.String()
}

// Policy returns the CORS policy applied to every response.
func (p *Proxy) Policy() *cors.Policy {
	return p.policy
}

// Handler returns the request pipeline without a listener, for embedding
// in another server.
func (p *Proxy) Handler() http.Handler {
	return p.handler
}
