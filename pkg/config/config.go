// Package config loads and validates the UsenetSync configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (USENETSYNC_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Config represents the UsenetSync configuration.
//
// This structure captures the static aspects of the client:
//   - Logging configuration
//   - Database connection (local metadata store)
//   - News server connections (one or more, tried in priority order)
//   - Posting behavior (segment size, redundancy, workers)
//   - Download behavior (workers, cache, verification retries)
//   - Packing policy for small files
//   - Spool directory for staged ciphertext
//
// Dynamic state (folders, shares, queues) lives in the database.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Database configures the local metadata store (SQLite or PostgreSQL)
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Servers lists the news servers, tried in descending priority.
	// At least one server is required.
	Servers []ServerConfig `mapstructure:"servers" validate:"required,min=1,dive" yaml:"servers"`

	// Posting controls the upload side
	Posting PostingConfig `mapstructure:"posting" yaml:"posting"`

	// Download controls the retrieval side
	Download DownloadConfig `mapstructure:"download" yaml:"download"`

	// Packing controls small-file aggregation
	Packing PackingConfig `mapstructure:"packing" yaml:"packing"`

	// Spool configures the staging area for encrypted segment blobs
	Spool SpoolConfig `mapstructure:"spool" yaml:"spool"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig describes one news server connection.
type ServerConfig struct {
	// Name identifies the server in logs and metrics.
	// Defaults to Host when empty.
	Name string `mapstructure:"name" yaml:"name"`

	// Host is the server hostname (required)
	Host string `mapstructure:"host" validate:"required" yaml:"host"`

	// Port is the NNTP port
	// Default: 563 with TLS, 119 without
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// TLS enables implicit TLS on connect
	// Default: true
	TLS *bool `mapstructure:"tls" yaml:"tls"`

	// Username and Password authenticate via AUTHINFO.
	// Both empty means no authentication.
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// MaxConnections caps the connection pool for this server.
	// Default: 10
	MaxConnections int `mapstructure:"max_connections" validate:"omitempty,min=1,max=100" yaml:"max_connections"`

	// Groups are the newsgroups articles are posted to.
	// Default: ["alt.binaries.backup"]
	Groups []string `mapstructure:"groups" yaml:"groups"`

	// Priority orders servers for posting and retrieval, highest first
	Priority int `mapstructure:"priority" yaml:"priority"`

	// ConnectTimeout bounds dial plus greeting
	// Default: 30s
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// IdleTimeout is how long a pooled connection may sit unused
	// before being closed. Default: 5m
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// PostingConfig controls the upload side.
type PostingConfig struct {
	// SegmentSize is the plaintext size of a full segment.
	// Supports human-readable formats: "750KB", "768000".
	// Default: 768000 bytes
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" validate:"omitempty,min=10240,max=1000000" yaml:"segment_size"`

	// Redundancy is how many copies of each segment are posted.
	// Default: 1 (single copy), maximum 5.
	Redundancy int `mapstructure:"redundancy" validate:"omitempty,min=1,max=5" yaml:"redundancy"`

	// Workers is the number of concurrent posting workers.
	// Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1,max=50" yaml:"workers"`

	// Compression selects the pre-encryption compression mode.
	// "auto" compresses a segment only when the saving meets
	// CompressionMargin; "off" never compresses.
	// Default: auto
	Compression string `mapstructure:"compression" validate:"omitempty,oneof=auto off" yaml:"compression"`

	// CompressionMargin is the minimum saving, in percent, before a
	// compressed segment is kept over the raw chunk.
	// Default: 10
	CompressionMargin int `mapstructure:"compression_margin" validate:"omitempty,min=1,max=99" yaml:"compression_margin"`

	// MessageIDDomain is the domain part of client-suggested Message-IDs.
	// Default: usenetsync.local
	MessageIDDomain string `mapstructure:"message_id_domain" yaml:"message_id_domain"`

	// From is the From header on posted articles.
	// Default: poster <poster@usenetsync.local>
	From string `mapstructure:"from" yaml:"from"`

	// MaxRetries is the per-segment transient retry budget.
	// Default: 5
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0,max=20" yaml:"max_retries"`
}

// DownloadConfig controls the retrieval side.
type DownloadConfig struct {
	// Workers is the number of concurrent fetch workers.
	// Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1,max=50" yaml:"workers"`

	// CacheSize bounds the in-memory segment cache.
	// Default: 256MB
	CacheSize bytesize.ByteSize `mapstructure:"cache_size" yaml:"cache_size"`

	// TargetDir is the default destination directory.
	// Default: current directory
	TargetDir string `mapstructure:"target_dir" yaml:"target_dir"`

	// MaxRetries is the per-segment transient retry budget.
	// Default: 5
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0,max=20" yaml:"max_retries"`
}

// PackingConfig controls small-file aggregation.
type PackingConfig struct {
	// Enabled turns packing on. Default: true
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// Threshold is the size below which a file is packed rather than
	// segmented on its own. Default: 50KB (51200 bytes)
	Threshold bytesize.ByteSize `mapstructure:"threshold" yaml:"threshold"`
}

// SpoolConfig configures the staging area for encrypted segment blobs
// awaiting upload.
type SpoolConfig struct {
	// Path is the spool directory.
	// Default: $XDG_DATA_HOME/usenetsync/spool
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TLSEnabled reports whether the server uses implicit TLS.
func (s *ServerConfig) TLSEnabled() bool {
	return s.TLS == nil || *s.TLS
}

// DisplayName returns the server's log identifier.
func (s *ServerConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Host
}

// PackingEnabled reports whether small-file packing is active.
func (c *PackingConfig) PackingEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  usenetsync init\n\n"+
				"Or specify a custom config file:\n"+
				"  usenetsync <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  usenetsync init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file carries server credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config
// file settings. Environment variables use the USENETSYNC_ prefix,
// e.g. USENETSYNC_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("USENETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize
// so config files can use "750KB", "1Gi", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files
// can use "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// the current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "usenetsync")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "usenetsync")
}

// getDataDir returns the data directory path (spool, caches).
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "usenetsync")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".local", "share", "usenetsync")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for
// the init command).
func GetConfigDir() string {
	return getConfigDir()
}
