// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/masquerade/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`

	Ingress IngressCLI `kong:"cmd,help='Accept raw client connections and forward them through the relay.'"`
	Relay   RelayCLI   `kong:"cmd,help='Serve the /proxy envelope endpoint and perform outbound calls.'"`
}

// IngressCLI holds flags of the ingress subcommand.
type IngressCLI struct {
	Host     string `kong:"help='Listen host (overrides config).',env='INGRESS_HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='INGRESS_PORT'"`
	RelayURL string `kong:"help='Base URL of the relay (overrides config).',env='RELAY_URL'"`
	Upstream string `kong:"help='CONNECT dial path: direct:// or socks5://host:port (overrides config).',env='INGRESS_UPSTREAM'"`
}

// RelayCLI holds flags of the relay subcommand.
type RelayCLI struct {
	Host string `kong:"help='Listen host (overrides config).',env='RELAY_HOST'"`
	Port int    `kong:"short='p',help='Listen port (overrides config).',env='RELAY_PORT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Ingress  IngressConfig  `toml:"ingress"`
	Relay    RelayConfig    `toml:"relay"`
	Outbound OutboundConfig `toml:"outbound"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// IngressConfig holds settings of the client-facing listener.
type IngressConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	RelayURL              string `toml:"relay_url"`
	MaxHeaderBytes        int    `toml:"max_header_bytes"`
	MaxBodyBytes          int64  `toml:"max_body_bytes"`
	ReadTimeoutSeconds    int    `toml:"read_timeout_seconds"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	Upstream              string `toml:"upstream"`        // direct:// or socks5://[user:pass@]host:port
	MaxQueryBytes         int    `toml:"max_query_bytes"` // envelopes larger than this are POSTed
	MetricsAddr           string `toml:"metrics_addr"`    // empty disables the ingress metrics listener
}

// RelayConfig holds settings of the /proxy HTTP server.
type RelayConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// OutboundConfig holds settings of the shared origin connection pool.
type OutboundConfig struct {
	TimeoutSeconds     int   `toml:"timeout_seconds"`
	MaxBodyBytes       int64 `toml:"max_body_bytes"`
	IdleConnections    int   `toml:"idle_connections"`
	IdleTimeoutSeconds int   `toml:"idle_timeout_seconds"`
	DialTimeoutSeconds int   `toml:"dial_timeout_seconds"`
	MaxRetries         int   `toml:"max_retries"`
	RetryBackoffMillis int   `toml:"retry_backoff_ms"`
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
// /etc/masquerade/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
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
	if cli.Ingress.Host != "" {
		c.Ingress.Host = cli.Ingress.Host
	}
	if cli.Ingress.Port != 0 {
		c.Ingress.Port = cli.Ingress.Port
	}
	if cli.Ingress.RelayURL != "" {
		c.Ingress.RelayURL = cli.Ingress.RelayURL
	}
	if cli.Ingress.Upstream != "" {
		c.Ingress.Upstream = cli.Ingress.Upstream
	}
	if cli.Relay.Host != "" {
		c.Relay.Host = cli.Relay.Host
	}
	if cli.Relay.Port != 0 {
		c.Relay.Port = cli.Relay.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Ingress.RelayURL != "" {
		u, err := url.Parse(c.Ingress.RelayURL)
		if err != nil {
			return fmt.Errorf("ingress.relay_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("ingress.relay_url must use http or https; got %q", c.Ingress.RelayURL)
		}
		if u.Host == "" {
			return fmt.Errorf("ingress.relay_url must include a host; got %q", c.Ingress.RelayURL)
		}
	}
	if c.Ingress.Upstream != "" {
		u, err := url.Parse(c.Ingress.Upstream)
		if err != nil {
			return fmt.Errorf("ingress.upstream is not a valid URL: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "direct":
		case "socks5":
			if u.Host == "" {
				return fmt.Errorf("ingress.upstream socks5 URL requires a host; got %q", c.Ingress.Upstream)
			}
		default:
			return fmt.Errorf("ingress.upstream must be direct:// or socks5://host:port; got %q", c.Ingress.Upstream)
		}
	}

	// Numeric bounds.
	for name, port := range map[string]int{"ingress.port": c.Ingress.Port, "relay.port": c.Relay.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0–65535; got %d", name, port)
		}
	}
	if c.Ingress.MaxHeaderBytes < 0 {
		return fmt.Errorf("ingress.max_header_bytes must be non-negative; got %d", c.Ingress.MaxHeaderBytes)
	}
	if c.Ingress.MaxBodyBytes < 0 {
		return fmt.Errorf("ingress.max_body_bytes must be non-negative; got %d", c.Ingress.MaxBodyBytes)
	}
	if c.Ingress.ReadTimeoutSeconds < 0 || c.Ingress.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("ingress timeouts must be non-negative")
	}
	if c.Ingress.MaxQueryBytes < 0 {
		return fmt.Errorf("ingress.max_query_bytes must be non-negative; got %d", c.Ingress.MaxQueryBytes)
	}
	if c.Relay.BodyMaxBytes < 0 {
		return fmt.Errorf("relay.body_max_bytes must be non-negative; got %d", c.Relay.BodyMaxBytes)
	}
	if c.Relay.RateLimit.Enabled && c.Relay.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("relay.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Relay.RateLimit.RequestsPerSecond)
	}
	if c.Outbound.TimeoutSeconds < 0 {
		return fmt.Errorf("outbound.timeout_seconds must be non-negative; got %d", c.Outbound.TimeoutSeconds)
	}
	if c.Outbound.MaxBodyBytes < 0 {
		return fmt.Errorf("outbound.max_body_bytes must be non-negative; got %d", c.Outbound.MaxBodyBytes)
	}
	if c.Outbound.IdleConnections < 0 {
		return fmt.Errorf("outbound.idle_connections must be non-negative; got %d", c.Outbound.IdleConnections)
	}
	if c.Outbound.IdleTimeoutSeconds < 0 || c.Outbound.DialTimeoutSeconds < 0 {
		return fmt.Errorf("outbound timeouts must be non-negative")
	}
	if c.Outbound.MaxRetries < 0 || c.Outbound.MaxRetries > 10 {
		return fmt.Errorf("outbound.max_retries must be 0–10; got %d", c.Outbound.MaxRetries)
	}
	if c.Outbound.RetryBackoffMillis < 0 {
		return fmt.Errorf("outbound.retry_backoff_ms must be non-negative; got %d", c.Outbound.RetryBackoffMillis)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/proxy", "/healthz", "/relay/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. The one exception is
// outbound.max_retries, whose zero value is the retry-free default.
func (c *Config) setDefaults() {
	if c.Ingress.Host == "" {
		c.Ingress.Host = "127.0.0.1"
	}
	if c.Ingress.Port == 0 {
		c.Ingress.Port = 8080
	}
	if c.Ingress.RelayURL == "" {
		c.Ingress.RelayURL = "http://127.0.0.1:3030"
	}
	if c.Ingress.MaxHeaderBytes == 0 {
		c.Ingress.MaxHeaderBytes = 64 * 1024
	}
	if c.Ingress.MaxBodyBytes == 0 {
		c.Ingress.MaxBodyBytes = 10 * 1024 * 1024 // 10 MiB
	}
	if c.Ingress.ReadTimeoutSeconds == 0 {
		c.Ingress.ReadTimeoutSeconds = 30
	}
	if c.Ingress.ConnectTimeoutSeconds == 0 {
		c.Ingress.ConnectTimeoutSeconds = 10
	}
	if c.Ingress.Upstream == "" {
		c.Ingress.Upstream = "direct://"
	}
	if c.Ingress.MaxQueryBytes == 0 {
		c.Ingress.MaxQueryBytes = 8 * 1024
	}
	if c.Relay.Host == "" {
		c.Relay.Host = "127.0.0.1"
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = 3030
	}
	if c.Relay.BodyMaxBytes == 0 {
		// base64 inflates the request body by 4/3; leave room for headers.
		c.Relay.BodyMaxBytes = 64 * 1024 * 1024
	}
	if c.Outbound.TimeoutSeconds == 0 {
		c.Outbound.TimeoutSeconds = 30
	}
	if c.Outbound.MaxBodyBytes == 0 {
		c.Outbound.MaxBodyBytes = 10 * 1024 * 1024 // 10 MiB
	}
	if c.Outbound.IdleConnections == 0 {
		c.Outbound.IdleConnections = 100
	}
	if c.Outbound.IdleTimeoutSeconds == 0 {
		c.Outbound.IdleTimeoutSeconds = 90
	}
	if c.Outbound.DialTimeoutSeconds == 0 {
		c.Outbound.DialTimeoutSeconds = 10
	}
	if c.Outbound.RetryBackoffMillis == 0 {
		c.Outbound.RetryBackoffMillis = 200
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

// Addr returns the ingress listen address as host:port.
func (c *IngressConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadTimeout bounds how long the ingress waits for a complete request.
func (c *IngressConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// ConnectTimeout bounds CONNECT dials to the origin.
func (c *IngressConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Addr returns the relay listen address as host:port.
func (c *RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout is the hard deadline around one outbound exchange, retries included.
func (c *OutboundConfig) Timeout() time.Duration {
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
