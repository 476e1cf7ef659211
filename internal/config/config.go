// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/browse-proxy/config.toml",
	"configs/config.toml",
}

// DefaultUserAgent is sent upstream when the client supplies none.
const DefaultUserAgent = "browse-proxy-go/1.0"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Token      string   `kong:"help='Proxy access token (overrides config).',env='PROXY_TOKEN'"`
	AllowHosts []string `kong:"name='allow-host',help='Allowed upstream host pattern; repeatable (replaces config list).',env='ALLOWED_HOSTS'"`
	LogLevel   string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Policy   PolicyConfig   `toml:"policy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Tunnel   TunnelConfig   `toml:"tunnel"`
	Auth     AuthConfig     `toml:"auth"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string          `toml:"host"`
	Port             int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes     int64           `toml:"body_max_bytes"`
	StaticDir        string          `toml:"static_dir"`
	BlockedClientIPs []string        `toml:"blocked_client_ips"`
	RateLimit        RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds the proxy entry points and fetch limits.
type ProxyConfig struct {
	Path            string `toml:"path"`
	TunnelPath      string `toml:"tunnel_path"`
	UserAgent       string `toml:"user_agent"`
	MaxRedirects    int    `toml:"max_redirects"`
	MaxRewriteBytes int64  `toml:"max_rewrite_bytes"`
}

// RewriteConfig toggles optional HTML rewriting behaviour. The booleans are
// pointers so an omitted key keeps the default instead of reading as false.
type RewriteConfig struct {
	StripIntegrity       *bool `toml:"strip_integrity"`
	StripSecurityHeaders *bool `toml:"strip_security_headers"`
	Toolbar              bool  `toml:"toolbar"`
}

// PolicyConfig lists upstream host patterns. Entries may be exact hosts,
// doublestar globs, IP literals, or CIDR prefixes.
type PolicyConfig struct {
	AllowedHosts []string `toml:"allowed_hosts"`
	BlockedHosts []string `toml:"blocked_hosts"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	IdleTimeoutSeconds    int `toml:"idle_timeout_seconds"`
	IdleConnections       int `toml:"idle_connections"`
}

// TunnelConfig holds WebSocket tunnel settings.
type TunnelConfig struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	BufferBytes        int `toml:"buffer_bytes"`
}

// AuthConfig holds the optional access gate credentials.
type AuthConfig struct {
	TokenHeader  string `toml:"token_header"`
	Token        string `toml:"token"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	PasswordHash string `toml:"password_hash"`
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
// /etc/browse-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.Token != "" {
		c.Auth.Token = cli.Token
	}
	if len(cli.AllowHosts) > 0 {
		c.Policy.AllowedHosts = cli.AllowHosts
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
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Proxy.MaxRedirects < 0 {
		return fmt.Errorf("proxy.max_redirects must be non-negative; got %d", c.Proxy.MaxRedirects)
	}
	if c.Proxy.MaxRewriteBytes < 0 {
		return fmt.Errorf("proxy.max_rewrite_bytes must be non-negative; got %d", c.Proxy.MaxRewriteBytes)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 || c.Upstream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("upstream timeouts must be non-negative")
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Tunnel.IdleTimeoutSeconds < 0 || c.Tunnel.BufferBytes < 0 {
		return fmt.Errorf("tunnel settings must be non-negative")
	}

	// Entry points.
	for name, p := range map[string]string{"proxy.path": c.Proxy.Path, "proxy.tunnel_path": c.Proxy.TunnelPath} {
		if p != "" && (p[0] != '/' || strings.ContainsAny(p, "?#*")) {
			return fmt.Errorf("%s must be an absolute path without query or wildcard; got %q", name, p)
		}
	}
	if c.Proxy.Path != "" && c.Proxy.Path == c.Proxy.TunnelPath {
		return fmt.Errorf("proxy.path and proxy.tunnel_path must differ; both are %q", c.Proxy.Path)
	}

	// Policy patterns.
	for _, list := range [][]string{c.Policy.AllowedHosts, c.Policy.BlockedHosts} {
		for _, p := range list {
			if err := validatePattern(p); err != nil {
				return err
			}
		}
	}
	for _, ip := range c.Server.BlockedClientIPs {
		if _, err := ParsePrefix(ip); err != nil {
			return fmt.Errorf("server.blocked_client_ips: %w", err)
		}
	}

	// Auth: a username needs exactly one password form.
	if c.Auth.Username != "" {
		if c.Auth.Password == "" && c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth.username requires auth.password or auth.password_hash")
		}
		if c.Auth.Password != "" && c.Auth.PasswordHash != "" {
			return fmt.Errorf("auth.password and auth.password_hash are mutually exclusive")
		}
	} else if c.Auth.Password != "" || c.Auth.PasswordHash != "" {
		return fmt.Errorf("auth.password set without auth.username")
	}
	if c.Auth.TokenHeader != "" && strings.ContainsAny(c.Auth.TokenHeader, " :\t") {
		return fmt.Errorf("auth.token_header is not a valid header name: %q", c.Auth.TokenHeader)
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
		for _, reserved := range c.reservedRoutes() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) reservedRoutes() []string {
	routes := []string{"/healthz", "/proxy/status"}
	for _, p := range []string{c.Proxy.Path, c.Proxy.TunnelPath} {
		if p != "" {
			routes = append(routes, p)
		}
	}
	return routes
}

// validatePattern accepts exact hosts, globs, IPs, and CIDR prefixes.
func validatePattern(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("policy: empty host pattern")
	}
	if strings.Contains(p, "/") {
		if _, err := netip.ParsePrefix(p); err != nil {
			return fmt.Errorf("policy: invalid CIDR %q: %w", p, err)
		}
		return nil
	}
	if !doublestar.ValidatePattern(strings.ToLower(p)) {
		return fmt.Errorf("policy: invalid host pattern %q", p)
	}
	return nil
}

// ParsePrefix parses an IP or CIDR into a prefix; a bare IP becomes a
// single-address prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP %q: %w", s, err)
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/proxy"
	}
	if c.Proxy.TunnelPath == "" {
		c.Proxy.TunnelPath = "/tunnel"
	}
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = DefaultUserAgent
	}
	if c.Proxy.MaxRedirects == 0 {
		c.Proxy.MaxRedirects = 10
	}
	if c.Proxy.MaxRewriteBytes == 0 {
		c.Proxy.MaxRewriteBytes = 16 * 1024 * 1024 // 16 MB
	}
	if c.Rewrite.StripIntegrity == nil {
		c.Rewrite.StripIntegrity = boolPtr(true)
	}
	if c.Rewrite.StripSecurityHeaders == nil {
		c.Rewrite.StripSecurityHeaders = boolPtr(true)
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Tunnel.IdleTimeoutSeconds == 0 {
		c.Tunnel.IdleTimeoutSeconds = 300
	}
	if c.Tunnel.BufferBytes == 0 {
		c.Tunnel.BufferBytes = 32 * 1024
	}
	if c.Auth.TokenHeader == "" {
		c.Auth.TokenHeader = "X-Proxy-Token"
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

func boolPtr(v bool) *bool { return &v }

// StripIntegrityEnabled reports whether SRI attributes are removed from HTML.
func (c *RewriteConfig) StripIntegrityEnabled() bool {
	return c.StripIntegrity == nil || *c.StripIntegrity
}

// StripSecurityHeadersEnabled reports whether CSP-family headers are dropped.
func (c *RewriteConfig) StripSecurityHeadersEnabled() bool {
	return c.StripSecurityHeaders == nil || *c.StripSecurityHeaders
}

// ConnectTimeout returns the upstream dial/handshake timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// IdleTimeout returns the upstream read-idleness timeout.
func (c *UpstreamConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// IdleTimeout returns the per-read idle limit for tunnel pumps.
func (c *TunnelConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// AuthEnabled reports whether any credential is configured.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Token != "" || c.Username != ""
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
