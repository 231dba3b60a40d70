// ABOUTME: Configuration loading and parsing for coven-bridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-bridge configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Vault    VaultConfig    `yaml:"vault" toml:"vault"`
	API      APIConfig      `yaml:"api" toml:"api"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// Transport names for GatewayConfig.Transport.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// GatewayConfig describes how to launch and supervise the gateway child
type GatewayConfig struct {
	Command   string            `yaml:"command" toml:"command"`
	Args      []string          `yaml:"args" toml:"args"`
	Env       map[string]string `yaml:"env" toml:"env"`
	WorkDir   string            `yaml:"work_dir" toml:"work_dir"`
	Transport string            `yaml:"transport" toml:"transport"`
	Host      string            `yaml:"host" toml:"host"`
	Port      int               `yaml:"port" toml:"port"`
	Token     string            `yaml:"token" toml:"token"`
	Autostart bool              `yaml:"autostart" toml:"autostart"`

	StartupTimeout  time.Duration `yaml:"-" toml:"-"`
	StopGracePeriod time.Duration `yaml:"-" toml:"-"`
	RPCTimeout      time.Duration `yaml:"-" toml:"-"`
	HealthTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StartupTimeoutRaw  string `yaml:"startup_timeout" toml:"startup_timeout"`
	StopGracePeriodRaw string `yaml:"stop_grace_period" toml:"stop_grace_period"`
	RPCTimeoutRaw      string `yaml:"rpc_timeout" toml:"rpc_timeout"`
	HealthTimeoutRaw   string `yaml:"health_timeout" toml:"health_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// VaultConfig holds the provider key vault passphrase
type VaultConfig struct {
	Passphrase     string `yaml:"passphrase" toml:"passphrase"`
	PassphraseFile string `yaml:"passphrase_file" toml:"passphrase_file"`
}

// APIConfig holds the local control API configuration
type APIConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults
const (
	DefaultAPIAddr         = "127.0.0.1:18790"
	DefaultMetricsPath     = "/metrics"
	DefaultStartupTimeout  = 30 * time.Second
	DefaultStopGracePeriod = 5 * time.Second
	DefaultRPCTimeout      = 30 * time.Second
	DefaultHealthTimeout   = 5 * time.Second
	DefaultGatewayHost     = "127.0.0.1"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// The format is chosen by extension: .toml is TOML, anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied and no config file.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	c.applyDefaults()
	if err := c.loadPassphraseFile(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.Transport == "" {
		c.Gateway.Transport = TransportStdio
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = DefaultGatewayHost
	}
	if c.Gateway.StartupTimeout == 0 {
		c.Gateway.StartupTimeout = DefaultStartupTimeout
	}
	if c.Gateway.StopGracePeriod == 0 {
		c.Gateway.StopGracePeriod = DefaultStopGracePeriod
	}
	if c.Gateway.RPCTimeout == 0 {
		c.Gateway.RPCTimeout = DefaultRPCTimeout
	}
	if c.Gateway.HealthTimeout == 0 {
		c.Gateway.HealthTimeout = DefaultHealthTimeout
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataDir(), "bridge.db")
	}
	if c.API.Addr == "" {
		c.API.Addr = DefaultAPIAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// loadPassphraseFile reads vault.passphrase_file when no inline passphrase is set.
func (c *Config) loadPassphraseFile() error {
	if c.Vault.Passphrase != "" || c.Vault.PassphraseFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Vault.PassphraseFile)
	if err != nil {
		return fmt.Errorf("reading vault.passphrase_file: %w", err)
	}
	c.Vault.Passphrase = strings.TrimSpace(string(data))
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Gateway.Transport {
	case TransportStdio, TransportWebSocket:
	default:
		return fmt.Errorf("gateway.transport must be %q or %q, got %q", TransportStdio, TransportWebSocket, c.Gateway.Transport)
	}

	if c.Gateway.Autostart && c.Gateway.Command == "" {
		return errors.New("gateway.command is required when gateway.autostart is set")
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port)
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
		return fmt.Errorf("api.addr %q: %w", c.API.Addr, err)
	}

	if c.API.JWTSecret != "" && len(c.API.JWTSecret) < 32 {
		return errors.New("api.jwt_secret must be at least 32 bytes")
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"startup_timeout", cfg.Gateway.StartupTimeoutRaw, &cfg.Gateway.StartupTimeout},
		{"stop_grace_period", cfg.Gateway.StopGracePeriodRaw, &cfg.Gateway.StopGracePeriod},
		{"rpc_timeout", cfg.Gateway.RPCTimeoutRaw, &cfg.Gateway.RPCTimeout},
		{"health_timeout", cfg.Gateway.HealthTimeoutRaw, &cfg.Gateway.HealthTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// EnvList renders Gateway.Env as KEY=VALUE pairs.
func (g GatewayConfig) EnvList() []string {
	out := make([]string, 0, len(g.Env))
	for k, v := range g.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// DefaultPath returns the config file location: COVEN_BRIDGE_CONFIG if set,
// otherwise bridge.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("COVEN_BRIDGE_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "coven", "bridge.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "bridge.yaml"
	}
	return filepath.Join(home, ".config", "coven", "bridge.yaml")
}

// DataDir returns the directory for the database.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "coven")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "coven")
}
