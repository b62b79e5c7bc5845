// Package config provides configuration management for gmgui.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for gmgui.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DataDir   string          `mapstructure:"dataDir"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// BaseURL is the path prefix for every HTTP and WebSocket route (default: /gm).
	BaseURL string `mapstructure:"baseUrl"`

	// StartupCWD is the default working directory assigned to conversations
	// created without one. Empty means the process working directory at boot.
	StartupCWD string `mapstructure:"startupCwd"`

	ReadTimeout int `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout is in seconds. Zero disables the write deadline, which
	// long-lived SSE and WebSocket responses require.
	WriteTimeout    int `mapstructure:"writeTimeout"`
	ShutdownTimeout int `mapstructure:"shutdownTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// The default is an embedded SQLite file under the data directory.
// Setting URL switches the store to PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path; empty means <dataDir>/gmgui.db
	URL      string `mapstructure:"url"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-process event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentsConfig holds agent supervisor configuration.
type AgentsConfig struct {
	// CatalogPath points to a YAML file of agent definitions that extends or
	// overrides the built-in catalog. Empty means <dataDir>/agents.yaml if present.
	CatalogPath string `mapstructure:"catalogPath"`

	// IdleTimeout is how long an agent process may sit without work before
	// the supervisor stops it, in seconds.
	IdleTimeout int `mapstructure:"idleTimeout"`
}

// SchedulerConfig holds run scheduler configuration.
type SchedulerConfig struct {
	// QueueCap is the maximum number of turns waiting per conversation.
	QueueCap int `mapstructure:"queueCap"`

	// RunTimeout is the maximum wall-clock time for one run, in seconds.
	RunTimeout int `mapstructure:"runTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MCPConfig holds configuration for the embedded MCP server.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// IdleTimeoutDuration returns the agent idle timeout as a time.Duration.
func (a *AgentsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// RunTimeoutDuration returns the run timeout as a time.Duration.
func (s *SchedulerConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(s.RunTimeout) * time.Second
}

// SQLitePath returns the SQLite database file path, deriving it from the
// data directory when not configured explicitly.
func (c *Config) SQLitePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "gmgui.db")
}

// AgentCatalogPath returns the agent catalog override file path, deriving it
// from the data directory when not configured explicitly.
func (c *Config) AgentCatalogPath() string {
	if c.Agents.CatalogPath != "" {
		return c.Agents.CatalogPath
	}
	return filepath.Join(c.DataDir, "agents.yaml")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("GMGUI_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.baseUrl", "/gm")
	v.SetDefault("server.startupCwd", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.shutdownTimeout", 15)

	// Data directory default - expanded to the user home at load time
	v.SetDefault("dataDir", "~/.gmgui")

	// Database defaults - empty URL means embedded SQLite
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "gmgui")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent supervisor defaults
	v.SetDefault("agents.catalogPath", "")
	v.SetDefault("agents.idleTimeout", 120)

	// Scheduler defaults
	v.SetDefault("scheduler.queueCap", 1000)
	v.SetDefault("scheduler.runTimeout", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// MCP server defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GMGUI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the data directory, or /etc/gmgui/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GMGUI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the short env vars the launcher scripts export,
	// plus snake_case forms for camelCase config keys. AutomaticEnv does not
	// handle camelCase to SNAKE_CASE conversion on its own.
	_ = v.BindEnv("server.port", "PORT", "GMGUI_SERVER_PORT")
	_ = v.BindEnv("server.baseUrl", "BASE_URL", "GMGUI_SERVER_BASE_URL")
	_ = v.BindEnv("server.startupCwd", "STARTUP_CWD", "GMGUI_SERVER_STARTUP_CWD")
	_ = v.BindEnv("dataDir", "DATA_DIR", "GMGUI_DATA_DIR")
	_ = v.BindEnv("database.url", "DATABASE_URL", "GMGUI_DATABASE_URL")
	_ = v.BindEnv("nats.url", "NATS_URL", "GMGUI_NATS_URL")
	_ = v.BindEnv("agents.catalogPath", "GMGUI_AGENTS_CATALOG_PATH")
	_ = v.BindEnv("agents.idleTimeout", "GMGUI_AGENTS_IDLE_TIMEOUT")
	_ = v.BindEnv("scheduler.queueCap", "GMGUI_SCHEDULER_QUEUE_CAP")
	_ = v.BindEnv("scheduler.runTimeout", "GMGUI_SCHEDULER_RUN_TIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".gmgui"))
	}
	v.AddConfigPath("/etc/gmgui/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := normalize(&cfg); err != nil {
		return nil, fmt.Errorf("config normalization failed: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalize expands paths and resolves derived fields after unmarshaling.
func normalize(cfg *Config) error {
	expanded, err := expandHome(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("cannot resolve data directory: %w", err)
	}
	cfg.DataDir = expanded

	if cfg.Database.Path != "" {
		if cfg.Database.Path, err = expandHome(cfg.Database.Path); err != nil {
			return fmt.Errorf("cannot resolve database path: %w", err)
		}
	}
	if cfg.Agents.CatalogPath != "" {
		if cfg.Agents.CatalogPath, err = expandHome(cfg.Agents.CatalogPath); err != nil {
			return fmt.Errorf("cannot resolve agent catalog path: %w", err)
		}
	}

	// A postgres URL switches the driver regardless of the configured default.
	if cfg.Database.URL != "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Server.StartupCWD == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Server.StartupCWD = wd
		}
	}

	cfg.Server.BaseURL = strings.TrimSuffix(cfg.Server.BaseURL, "/")

	return nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.BaseURL != "" && !strings.HasPrefix(cfg.Server.BaseURL, "/") {
		errs = append(errs, "server.baseUrl must start with '/'")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		// Path is derived from dataDir when empty
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, "database.url is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agents.IdleTimeout <= 0 {
		errs = append(errs, "agents.idleTimeout must be positive")
	}

	if cfg.Scheduler.QueueCap <= 0 {
		errs = append(errs, "scheduler.queueCap must be positive")
	}
	if cfg.Scheduler.RunTimeout <= 0 {
		errs = append(errs, "scheduler.runTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandHome replaces a leading ~ with the user home directory.
func expandHome(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
