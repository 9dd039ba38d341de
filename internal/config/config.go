// Package config handles TOML configuration loading and validation for the
// ICAP client CLI and gateway: a Kong-parsed CLI struct, a TOML-unmarshaled
// Config struct, explicit setDefaults/validate passes, and a permissions
// warning for world-readable config files.
package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"icap-client/icap"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/icap-client/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='ICAP remote host (overrides config).',env='ICAP_HOST'"`
	Port     int    `kong:"help='ICAP remote port (overrides config).',env='ICAP_PORT'"`
	Service  string `kong:"help='ICAP service name (overrides config).',env='ICAP_SERVICE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Validate struct {
		Mode string `kong:"help='REQMOD, RESPMOD, or FILEMOD.',default='RESPMOD'"`
		Path string `kong:"arg,help='File or directory to submit for adaptation.'"`
	} `kong:"cmd,help='Submit one file, or every file in a directory, for adaptation.'"`

	Options struct{} `kong:"cmd,help='Probe the remote service and print its negotiated capabilities.'"`

	Serve struct{} `kong:"cmd,help='Run the HTTP gateway front door.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Remote  RemoteConfig  `toml:"remote"`
	Request RequestConfig `toml:"request"`
	Gateway GatewayConfig `toml:"gateway"`
	Metrics MetricsConfig `toml:"metrics"`
	Audit   AuditConfig   `toml:"audit"`
	Log     LogConfig     `toml:"log"`

	filePath string // resolved config file path (unexported)
}

// RemoteConfig identifies the ICAP service to submit resources to.
type RemoteConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Service string `toml:"service"`
	Secure  bool   `toml:"secure"`
}

// RequestConfig holds per-call defaults applied unless the caller overrides
// them.
type RequestConfig struct {
	APIVersion       string `toml:"api_version"`
	UserAgent        string `toml:"user_agent"`
	RequestSource    string `toml:"request_source"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	ReadTimeoutMS    int    `toml:"read_timeout_ms"`
	CompareIdentical bool   `toml:"compare_verify_identical_content"`
	MaxConcurrent    int    `toml:"max_concurrent"`
}

// GatewayConfig holds the optional HTTP front door's listen settings.
type GatewayConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// AuditConfig holds the validate-call audit trail's storage settings.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Console    bool   `toml:"console"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Load reads the TOML config file and applies CLI overrides. When no
// explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/icap-client/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists. Unlike a proxy, this client is
// useful with no config file at all as long as --host/--port/--service (or
// their env vars) are supplied.
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
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Remote.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Remote.Port = cli.Port
	}
	if cli.Service != "" {
		c.Remote.Service = cli.Service
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Remote.Host == "" {
		return fmt.Errorf("remote.host is required")
	}
	if c.Remote.Port < 0 || c.Remote.Port > 65535 {
		return fmt.Errorf("remote.port must be 0-65535; got %d", c.Remote.Port)
	}
	if c.Remote.Service == "" {
		return fmt.Errorf("remote.service is required")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be 0-65535; got %d", c.Gateway.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Remote.Port == 0 {
		c.Remote.Port = 1344
	}
	if c.Request.APIVersion == "" {
		c.Request.APIVersion = "1.0"
	}
	if c.Request.UserAgent == "" {
		c.Request.UserAgent = "icap-client-go/1.0"
	}
	if c.Request.RequestSource == "" {
		c.Request.RequestSource = "localhost"
	}
	if c.Request.ConnectTimeoutMS == 0 {
		c.Request.ConnectTimeoutMS = 5000
	}
	if c.Request.ReadTimeoutMS == 0 {
		c.Request.ReadTimeoutMS = 30000
	}
	if c.Request.MaxConcurrent == 0 {
		c.Request.MaxConcurrent = 4
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "0.0.0.0"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	if c.Gateway.BodyMaxBytes == 0 {
		c.Gateway.BodyMaxBytes = 64 * 1024 * 1024
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Audit.DSN == "" {
		c.Audit.DSN = "icap-client-audit.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	for _, p := range configSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The audit DSN and remote host are not secrets, but a shared
// config file is a bad habit worth flagging regardless.
func (c *Config) WarnPermissions(warn func(string)) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		warn(fmt.Sprintf("config file %s is readable by group/others (mode %04o); consider chmod 600", c.filePath, perm))
	}
}

// ServiceInformation renders the remote ICAP service identity icap.New needs.
func (c *Config) ServiceInformation() icap.ServiceInformation {
	return icap.ServiceInformation{
		HostName:         c.Remote.Host,
		ServicePort:      c.Remote.Port,
		ServiceName:      c.Remote.Service,
		SecureConnection: c.Remote.Secure,
	}
}
