package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for structural and cross-field
// errors. It does not normalize values; that happens in ApplyDefaults.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	names := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		name := srv.DisplayName()
		if names[name] {
			return fmt.Errorf("servers: duplicate server name %q", name)
		}
		names[name] = true

		// AUTHINFO needs both halves.
		if (srv.Username == "") != (srv.Password == "") {
			return fmt.Errorf("server %q: username and password must be set together", name)
		}
	}

	if uint64(cfg.Packing.Threshold) > uint64(cfg.Posting.SegmentSize) {
		return fmt.Errorf("packing: threshold %d exceeds segment_size %d",
			cfg.Packing.Threshold, cfg.Posting.SegmentSize)
	}

	return nil
}
