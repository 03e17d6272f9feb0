// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/pontohub-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host the metrics endpoint.
var reservedRoutes = []string{"/", "/health", "/api"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendPort int    `kong:"help='Port of the supervised backend (overrides config).',env='NODE_BACKEND_PORT'"`
	WorkDir     string `kong:"help='Working directory of the supervised backend (overrides config).',env='BACKEND_WORK_DIR'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Service ServiceConfig `toml:"service"`
	Backend BackendConfig `toml:"backend"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (5000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ServiceConfig holds the static metadata reported on / and /health.
// Title names the portal backend on /; Name names the proxy itself on /health.
type ServiceConfig struct {
	Name        string `toml:"name"`
	Title       string `toml:"title"`
	Description string `toml:"description"`
}

// BackendConfig describes the supervised backend process and how to reach it.
type BackendConfig struct {
	Host       string            `toml:"host"`
	Port       int               `toml:"port"`
	HealthPath string            `toml:"health_path"`
	Command    []string          `toml:"command"`
	WorkDir    string            `toml:"work_dir"`
	Env        map[string]string `toml:"env"`

	TimeoutSeconds        int `toml:"timeout_seconds"`
	HealthTimeoutSeconds  int `toml:"health_timeout_seconds"`
	StartupGraceSeconds   int `toml:"startup_grace_seconds"`
	HealthMaxAttempts     int `toml:"health_max_attempts"`
	HealthIntervalSeconds int `toml:"health_interval_seconds"`
	StopTimeoutSeconds    int `toml:"stop_timeout_seconds"`
	IdleConnections       int `toml:"idle_connections"`

	Restart RestartConfig `toml:"restart"`
}

// RestartConfig controls restart-on-crash of the backend process.
// Enabled is a pointer so an omitted key keeps the default (on).
type RestartConfig struct {
	Enabled        *bool `toml:"enabled"`
	MaxRestarts    int   `toml:"max_restarts"`
	BackoffSeconds int   `toml:"backoff_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/pontohub-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists.
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

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendPort != 0 {
		c.Backend.Port = cli.BackendPort
	}
	if cli.WorkDir != "" {
		c.Backend.WorkDir = cli.WorkDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Backend.Port < 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be 0–65535; got %d", c.Backend.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	b := c.Backend
	for name, v := range map[string]int{
		"backend.timeout_seconds":         b.TimeoutSeconds,
		"backend.health_timeout_seconds":  b.HealthTimeoutSeconds,
		"backend.startup_grace_seconds":   b.StartupGraceSeconds,
		"backend.health_max_attempts":     b.HealthMaxAttempts,
		"backend.health_interval_seconds": b.HealthIntervalSeconds,
		"backend.stop_timeout_seconds":    b.StopTimeoutSeconds,
		"backend.idle_connections":        b.IdleConnections,
		"backend.restart.max_restarts":    b.Restart.MaxRestarts,
		"backend.restart.backoff_seconds": b.Restart.BackoffSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}

	// An explicit command must name an executable.
	if b.Command != nil && (len(b.Command) == 0 || strings.TrimSpace(b.Command[0]) == "") {
		return errors.New("backend.command must name an executable")
	}
	if b.HealthPath != "" && b.HealthPath[0] != '/' {
		return fmt.Errorf("backend.health_path must start with '/'; got %q", b.HealthPath)
	}
	if strings.ContainsAny(b.Host, "/?# ") {
		return fmt.Errorf("backend.host must be a bare hostname or IP; got %q", b.Host)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || (reserved != "/" && strings.HasPrefix(p, reserved+"/")) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}

	if c.Service.Name == "" {
		c.Service.Name = "PontoHub Portal Backend Proxy"
	}
	if c.Service.Title == "" {
		c.Service.Title = "PontoHub Portal Backend"
	}
	if c.Service.Description == "" {
		c.Service.Description = "Backend proxy for PontoHub Portal - Project Management System"
	}

	b := &c.Backend
	if b.Host == "" {
		b.Host = "localhost"
	}
	if b.Port == 0 {
		b.Port = 3001
	}
	if b.HealthPath == "" {
		b.HealthPath = "/api/health"
	}
	if len(b.Command) == 0 {
		b.Command = []string{"npm", "start"}
	}
	if b.WorkDir == "" {
		b.WorkDir = "."
	}
	if b.Env == nil {
		b.Env = make(map[string]string)
	}
	if _, ok := b.Env["NODE_ENV"]; !ok {
		b.Env["NODE_ENV"] = "production"
	}
	if b.TimeoutSeconds == 0 {
		b.TimeoutSeconds = 30
	}
	if b.HealthTimeoutSeconds == 0 {
		b.HealthTimeoutSeconds = 5
	}
	if b.StartupGraceSeconds == 0 {
		b.StartupGraceSeconds = 10
	}
	if b.HealthMaxAttempts == 0 {
		b.HealthMaxAttempts = 5
	}
	if b.HealthIntervalSeconds == 0 {
		b.HealthIntervalSeconds = 3
	}
	if b.StopTimeoutSeconds == 0 {
		b.StopTimeoutSeconds = 10
	}
	if b.IdleConnections == 0 {
		b.IdleConnections = 100
	}
	if b.Restart.Enabled == nil {
		enabled := true
		b.Restart.Enabled = &enabled
	}
	if b.Restart.MaxRestarts == 0 {
		b.Restart.MaxRestarts = 5
	}
	if b.Restart.BackoffSeconds == 0 {
		b.Restart.BackoffSeconds = 15
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL returns the backend origin, e.g. http://localhost:3001.
func (b *BackendConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// HealthURL returns the absolute URL of the backend health endpoint.
func (b *BackendConfig) HealthURL() string {
	return b.BaseURL() + b.HealthPath
}

// RestartEnabled reports whether crashed backends are restarted. Unset means yes.
func (b *BackendConfig) RestartEnabled() bool {
	return b.Restart.Enabled == nil || *b.Restart.Enabled
}

// Timeout returns the per-request bound for forwarded calls.
func (b *BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// HealthTimeout returns the bound for a single health probe.
func (b *BackendConfig) HealthTimeout() time.Duration {
	return time.Duration(b.HealthTimeoutSeconds) * time.Second
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
