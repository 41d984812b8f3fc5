package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// SegmentSizeDefault is the plaintext size of a full segment. Sized so
// the yEnc-encoded article stays well under common server article caps.
const SegmentSizeDefault = 768000

// PackThresholdDefault is the size below which files are aggregated
// into packs instead of being segmented individually.
const PackThresholdDefault = 51200

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	cfg.Database.ApplyDefaults()
	for i := range cfg.Servers {
		applyServerDefaults(&cfg.Servers[i])
	}
	applyPostingDefaults(&cfg.Posting)
	applyDownloadDefaults(&cfg.Download)
	applyPackingDefaults(&cfg.Packing)
	applySpoolDefaults(&cfg.Spool)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Name == "" {
		cfg.Name = cfg.Host
	}
	if cfg.Port == 0 {
		if cfg.TLSEnabled() {
			cfg.Port = 563
		} else {
			cfg.Port = 119
		}
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = []string{"alt.binaries.backup"}
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
}

func applyPostingDefaults(cfg *PostingConfig) {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = SegmentSizeDefault
	}
	if cfg.Redundancy == 0 {
		cfg.Redundancy = 1
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.Compression == "" {
		cfg.Compression = "auto"
	}
	if cfg.CompressionMargin == 0 {
		cfg.CompressionMargin = 10
	}
	if cfg.MessageIDDomain == "" {
		cfg.MessageIDDomain = "usenetsync.local"
	}
	if cfg.From == "" {
		cfg.From = "poster <poster@usenetsync.local>"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
}

func applyDownloadDefaults(cfg *DownloadConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 256 * bytesize.MB
	}
	if cfg.TargetDir == "" {
		cfg.TargetDir = "."
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
}

func applyPackingDefaults(cfg *PackingConfig) {
	if cfg.Threshold == 0 {
		cfg.Threshold = PackThresholdDefault
	}
}

func applySpoolDefaults(cfg *SpoolConfig) {
	if cfg.Path == "" {
		cfg.Path = filepath.Join(getDataDir(), "spool")
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false; port defaults only matter when enabled.
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config with all default values applied.
//
// Useful for generating sample configuration files, testing, and
// documentation. The single placeholder server must be edited before
// the configuration is usable.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: store.Config{
			Type: store.DatabaseTypeSQLite,
		},
		Servers: []ServerConfig{
			{Host: "news.example.com"},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
