package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/handler"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/proxy"
	"cors-proxy-go/internal/server"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("cors-proxy"),
		kong.Description("Development reverse proxy that adds permissive CORS headers to a target API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newProxy,
		),
		fx.Invoke(warnConfigPermissions, startProxy, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newProxy(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*proxy.Proxy, error) {
	pc := proxy.Config{
		Target:           cfg.Target.URL,
		Host:             cfg.Server.Host,
		Port:             cfg.Server.ListenPort(),
		AllowCredentials: cfg.CORS.AllowCredentials,
		ExtraHeaders:     cfg.CORS.AllowHeaders,
		Upstream: client.Options{
			Timeout:            cfg.Upstream.Timeout(),
			IdleConnections:    cfg.Upstream.IdleConnections,
			InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
		},
	}

	if cfg.CORS.MCP() {
		return proxy.NewMCP(pc, logger, m)
	}
	return proxy.New(pc, logger, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startProxy(lc fx.Lifecycle, p *proxy.Proxy, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Start(ctx); err != nil {
				return err
			}
			logger.Info("proxying",
				"addr", p.Addr(),
				"target", p.Target(),
				"allow_credentials", p.Policy().AllowCredentials(),
				"extra_headers", p.Policy().ExtraHeaders(),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			return p.Stop(ctx)
		},
	})
}

// startAdmin serves health, status and metrics on their own listener so
// that no proxied path is shadowed.
func startAdmin(lc fx.Lifecycle, cfg *config.Config, p *proxy.Proxy, m *metrics.Metrics, v handler.Version, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	handler.RegisterAdminRoutes(e,
		handler.NewHealthHandler(p, v),
		cfg.Admin.MetricsPath,
		promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
	)

	admin := server.New(cfg.Admin.Host, cfg.Admin.Port, e, logger.With("component", "admin_listener"))

	lc.Append(fx.Hook{
		OnStart: admin.Start,
		OnStop:  admin.Stop,
	})
}
