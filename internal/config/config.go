// Package config handles CLI parsing targets, TOML configuration loading and
// validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-proxy/config.toml",
	"configs/config.toml",
}

// PresetMCP selects the MCP streamable HTTP header preset.
const PresetMCP = "mcp"

// Defaults applied to unset fields.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultIdleConnections = 100
	DefaultAdminHost       = "127.0.0.1"
	DefaultAdminPort       = 9090
	DefaultMetricsPath     = "/metrics"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Target       string           `kong:"arg,optional,help='Target base URI to forward to (overrides config).'"`
	Config       string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int              `kong:"short='p',default='-1',help='Listen port, 0 for an ephemeral port (overrides config).',env='PORT'"`
	Credentials  bool             `kong:"help='Echo the request Origin and allow credentials.',env='CORS_PROXY_CREDENTIALS'"`
	AllowHeaders []string         `kong:"name='allow-header',short='H',sep=',',help='Extra allowed and exposed header (repeatable).',env='CORS_PROXY_ALLOW_HEADERS'"`
	MCP          bool             `kong:"name='mcp',help='Allow and expose the MCP streamable HTTP headers.',env='CORS_PROXY_MCP'"`
	LogLevel     string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version      kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Target   TargetConfig   `toml:"target"`
	CORS     CORSConfig     `toml:"cors"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port *int   `toml:"port"` // nil means unset; 0 asks for an ephemeral port
}

// TargetConfig holds the base URI requests are forwarded to.
type TargetConfig struct {
	URL string `toml:"url"`
}

// CORSConfig holds the CORS header policy settings.
type CORSConfig struct {
	AllowCredentials bool     `toml:"allow_credentials"`
	AllowHeaders     []string `toml:"allow_headers"`
	Preset           string   `toml:"preset"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds     int  `toml:"timeout_seconds"` // 0 disables the timeout
	IdleConnections    int  `toml:"idle_connections"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the health, status and metrics listener settings.
type AdminConfig struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	MetricsPath string `toml:"metrics_path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-proxy/config.toml then configs/config.toml and falls back to
// CLI-only configuration when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with flags that were given.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Target != "" {
		c.Target.URL = cli.Target
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port >= 0 {
		port := cli.Port
		c.Server.Port = &port
	}
	if cli.Credentials {
		c.CORS.AllowCredentials = true
	}
	if len(cli.AllowHeaders) > 0 {
		c.CORS.AllowHeaders = cli.AllowHeaders
	}
	if cli.MCP {
		c.CORS.Preset = PresetMCP
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Target: required, absolute http(s) URI with a host.
	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required (pass it as the first argument)")
	}
	u, err := url.Parse(c.Target.URL)
	if err != nil {
		return fmt.Errorf("target.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target.url must use http or https; got %q", c.Target.URL)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("target.url has no host; got %q", c.Target.URL)
	}

	// Numeric bounds.
	if p := c.Server.Port; p != nil && (*p < 0 || *p > 65535) {
		return fmt.Errorf("server.port must be 0–65535; got %d", *p)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	switch strings.ToLower(c.CORS.Preset) {
	case "", PresetMCP:
		// valid
	default:
		return fmt.Errorf("cors.preset must be empty or %q; got %q", PresetMCP, c.CORS.Preset)
	}
	for _, h := range c.CORS.AllowHeaders {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("cors.allow_headers must not contain empty names")
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when the admin listener is enabled).
	if c.Admin.Enabled && c.Admin.MetricsPath != "" {
		p := c.Admin.MetricsPath
		if p[0] != '/' {
			return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills unset fields. The listen port is a pointer so that an
// explicit 0 (ephemeral) survives; the admin port has no such mode and 0
// means unset.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == nil {
		port := DefaultPort
		c.Server.Port = &port
	}
	c.CORS.Preset = strings.ToLower(c.CORS.Preset)
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = DefaultIdleConnections
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = DefaultAdminHost
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = DefaultAdminPort
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = DefaultMetricsPath
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ListenPort returns the configured listen port, or DefaultPort when unset.
func (c *ServerConfig) ListenPort() int {
	if c.Port == nil {
		return DefaultPort
	}
	return *c.Port
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ListenPort()))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MCP reports whether the MCP header preset is selected.
func (c *CORSConfig) MCP() bool {
	return strings.EqualFold(c.Preset, PresetMCP)
}

// Timeout returns the upstream timeout; zero means none.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
