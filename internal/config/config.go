package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is the config file looked up in the config directory.
	DefaultFileName = "toolfence.yaml"
	defaultDirName  = ".toolfence"

	DefaultPort          = 12680
	DefaultReadSize      = 4096
	DefaultMaxTokens     = 4096
	DefaultStreamTimeout = 10 * time.Minute
)

// Provider styles understood by the source package.
const (
	StyleOpenAI    = "openai"
	StyleAnthropic = "anthropic"
	StyleGoogle    = "google"
)

// Metrics exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Server configures the HTTP surface.
type Server struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	JWTSecret     string `yaml:"jwt_secret"`
	StreamTimeout string `yaml:"stream_timeout"`
}

// Provider configures the upstream model used by chat.
type Provider struct {
	Style     string `yaml:"style"`
	APIBase   string `yaml:"api_base"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Log configures logrus output and rotation.
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Metrics configures the OpenTelemetry meter.
type Metrics struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Interval string `yaml:"interval"`
}

// Match selects tool calls by name glob and/or expression.
type Match struct {
	Tools []string `yaml:"tools"`
	Expr  string   `yaml:"expr"`
}

// Audit configures the sqlite tool-call store.
type Audit struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Match   Match  `yaml:"match"`
}

// Notify configures desktop notifications for tool calls.
type Notify struct {
	Enabled bool  `yaml:"enabled"`
	Match   Match `yaml:"match"`
}

// Filter configures how raw input is fed to the filter.
type Filter struct {
	ReadSize int `yaml:"read_size"`
}

// Config is the toolfence configuration file.
type Config struct {
	Server   Server   `yaml:"server"`
	Provider Provider `yaml:"provider"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
	Audit    Audit    `yaml:"audit"`
	Notify   Notify   `yaml:"notify"`
	Filter   Filter   `yaml:"filter"`

	// ConfigFile is the path the config was loaded from.
	ConfigFile string `yaml:"-"`

	mu sync.RWMutex
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Message
}

// DefaultDir returns ~/.toolfence, or the working directory when there is no home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDirName
	}
	return filepath.Join(home, defaultDirName)
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), DefaultFileName)
}

// Default returns a config with every field at its default value.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		Server: Server{
			Host:          "127.0.0.1",
			Port:          DefaultPort,
			StreamTimeout: DefaultStreamTimeout.String(),
		},
		Provider: Provider{
			Style:     StyleOpenAI,
			Model:     "gpt-4o-mini",
			MaxTokens: DefaultMaxTokens,
		},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: Metrics{
			Exporter: ExporterNone,
			Interval: "30s",
		},
		Audit: Audit{
			Dir: dir,
		},
		Filter: Filter{
			ReadSize: DefaultReadSize,
		},
		ConfigFile: filepath.Join(dir, DefaultFileName),
	}
}

// Load reads the config file at path (DefaultPath when empty), applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	cfg.ConfigFile = path
	if err := cfg.load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// load re-reads ConfigFile into cfg, keeping defaults for absent keys.
func (c *Config) load() error {
	next := Default()
	next.ConfigFile = c.ConfigFile

	data, err := os.ReadFile(c.ConfigFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.Debugf("Config file %s not found, using defaults", c.ConfigFile)
	case err != nil:
		return fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, next); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", c.ConfigFile, err)
		}
	}

	if err := next.applyEnv(); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.Server = next.Server
	c.Provider = next.Provider
	c.Log = next.Log
	c.Metrics = next.Metrics
	c.Audit = next.Audit
	c.Notify = next.Notify
	c.Filter = next.Filter
	c.mu.Unlock()
	return nil
}

func (c *Config) applyEnv() error {
	if env := os.Getenv("TOOLFENCE_PORT"); env != "" {
		port, err := strconv.Atoi(env)
		if err != nil {
			return &ConfigError{Field: "server.port", Message: "must be a valid port number (1-65535)"}
		}
		c.Server.Port = port
	}
	if env := os.Getenv("TOOLFENCE_API_KEY"); env != "" {
		c.Provider.APIKey = env
	}
	if env := os.Getenv("TOOLFENCE_API_BASE"); env != "" {
		c.Provider.APIBase = env
	}
	if env := os.Getenv("TOOLFENCE_MODEL"); env != "" {
		c.Provider.Model = env
	}
	if env := os.Getenv("TOOLFENCE_LOG_LEVEL"); env != "" {
		c.Log.Level = env
	}
	return nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be a valid port number (1-65535)"}
	}
	if _, err := time.ParseDuration(c.Server.StreamTimeout); err != nil {
		return &ConfigError{Field: "server.stream_timeout", Message: "must be a valid duration (e.g., 10m, 1h)"}
	}

	switch strings.ToLower(c.Provider.Style) {
	case StyleOpenAI, StyleAnthropic, StyleGoogle:
	default:
		return &ConfigError{Field: "provider.style", Message: "must be one of openai, anthropic, google"}
	}
	if c.Provider.MaxTokens <= 0 {
		return &ConfigError{Field: "provider.max_tokens", Message: "must be a positive integer"}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Message: "must be a logrus level (trace, debug, info, warn, error)"}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &ConfigError{Field: "log.format", Message: "must be text or json"}
	}

	switch c.Metrics.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLPHTTP, ExporterOTLPGRPC:
	default:
		return &ConfigError{Field: "metrics.exporter", Message: "must be one of none, stdout, otlp-http, otlp-grpc"}
	}
	if _, err := time.ParseDuration(c.Metrics.Interval); err != nil {
		return &ConfigError{Field: "metrics.interval", Message: "must be a valid duration (e.g., 30s)"}
	}

	if c.Audit.Enabled && c.Audit.Dir == "" {
		return &ConfigError{Field: "audit.dir", Message: "must be set when audit is enabled"}
	}
	if c.Filter.ReadSize <= 0 {
		return &ConfigError{Field: "filter.read_size", Message: "must be a positive integer"}
	}
	return nil
}

// StreamTimeout returns the parsed idle timeout for managed streams.
func (c *Config) StreamTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, err := time.ParseDuration(c.Server.StreamTimeout)
	if err != nil {
		return DefaultStreamTimeout
	}
	return d
}

// MetricsInterval returns the parsed export interval.
func (c *Config) MetricsInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, err := time.ParseDuration(c.Metrics.Interval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ServerConfig returns a copy of the server section.
func (c *Config) ServerConfig() Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// ProviderConfig returns a copy of the provider section.
func (c *Config) ProviderConfig() Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Provider
}

// ReadSize returns the raw input read size.
func (c *Config) ReadSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Filter.ReadSize
}

// LogConfig returns a copy of the log section.
func (c *Config) LogConfig() Log {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Log
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SetServerAddr overrides the listen address. Empty host or zero port keeps
// the current value.
func (c *Config) SetServerAddr(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if host != "" {
		c.Server.Host = host
	}
	if port != 0 {
		c.Server.Port = port
	}
}

// Save writes the config as YAML, creating the directory if needed.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.ConfigFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(c.ConfigFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
