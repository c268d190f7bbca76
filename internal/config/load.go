package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file and validates it. Unknown
// keys are fatal: a silently ignored typo in a tuning knob (say,
// min_delete_covrage) would change deletion behavior without warning.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Resolve produces the effective configuration: defaults, overlaid by
// the config file at path (if any exists), overlaid by environment
// variables. An empty path falls back to SHELTERSYNC_CONFIG; if neither
// names a file, defaults plus environment are used — the production job
// runs on environment variables alone.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	var (
		cfg *Config
		err error
	)

	switch {
	case path == "":
		cfg = DefaultConfig()
	default:
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("config: file not found: %s", path)
		}

		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structural invariants of the configuration. Credential
// presence is checked separately by RequireCredentials because read-only
// commands against the sqlite backend need none.
func Validate(cfg *Config) error {
	if cfg.StoreBackend != BackendREST && cfg.StoreBackend != BackendSQLite {
		return fmt.Errorf("config: unknown store_backend %q (want %q or %q)",
			cfg.StoreBackend, BackendREST, BackendSQLite)
	}

	if cfg.StoreBackend == BackendSQLite && cfg.StorePath == "" {
		return errors.New("config: store_backend sqlite requires store_path")
	}

	if cfg.PageSize <= 0 {
		return fmt.Errorf("config: page_size must be positive, got %d", cfg.PageSize)
	}

	if cfg.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", cfg.BatchSize)
	}

	if cfg.AddressRefreshDays <= 0 {
		return fmt.Errorf("config: address_refresh_days must be positive, got %d", cfg.AddressRefreshDays)
	}

	if cfg.MaxPageRetries < 0 {
		return fmt.Errorf("config: max_page_retries must not be negative, got %d", cfg.MaxPageRetries)
	}

	if cfg.SafeThreshold < 0 {
		return fmt.Errorf("config: safe_threshold must not be negative, got %d", cfg.SafeThreshold)
	}

	if cfg.MinDeleteCoverage < 0 || cfg.MinDeleteCoverage > 1 {
		return fmt.Errorf("config: min_delete_coverage must be within [0, 1], got %g", cfg.MinDeleteCoverage)
	}

	return nil
}

// RequireCredentials verifies that the credentials a full sync needs are
// present for the selected backend.
func (c *Config) RequireCredentials() error {
	var missing []string

	if c.DatafordelerAPIKey == "" {
		missing = append(missing, EnvDatafordelerAPIKey)
	}

	if c.StoreBackend == BackendREST {
		if c.SupabaseURL == "" {
			missing = append(missing, EnvSupabaseURL)
		}

		if c.SupabaseKey == "" {
			missing = append(missing, EnvSupabaseKey)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}

	return nil
}
