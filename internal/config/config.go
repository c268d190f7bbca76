// Package config loads and validates sheltersync configuration.
// Resolution is a three-layer override chain: built-in defaults, then
// the TOML config file, then environment variables. CLI flags (logging
// only) are applied by the command layer on top.
package config

import "time"

// Config is the immutable process configuration. The engine receives
// the tuning values at construction and never reads ambient state.
type Config struct {
	// Endpoints and credentials.
	SupabaseURL        string `toml:"supabase_url"`
	SupabaseKey        string `toml:"supabase_key"`
	DatafordelerAPIKey string `toml:"datafordeler_api_key"`
	RegistryURL        string `toml:"registry_url"`
	AddressAPIURL      string `toml:"address_api_url"`

	// Store backend selection: "rest" (Supabase) or "sqlite" (local).
	StoreBackend string `toml:"store_backend"`
	StorePath    string `toml:"store_path"`

	// Scan tuning.
	StatusCode         string  `toml:"status_code"`
	PageSize           int     `toml:"page_size"`
	BatchSize          int     `toml:"batch_size"`
	AddressRefreshDays int     `toml:"address_refresh_days"`
	MaxPageRetries     int     `toml:"max_page_retries"`
	RetryBaseSeconds   int     `toml:"retry_base_seconds"`
	PageDelayMS        int     `toml:"page_delay_ms"`
	LookupDelayMS      int     `toml:"lookup_delay_ms"`

	// Deletion safety.
	SafeThreshold     int     `toml:"safe_threshold"`
	MinDeleteCoverage float64 `toml:"min_delete_coverage"`

	// Reporting and logging.
	SummaryPath     string `toml:"summary_path"`
	LogPageInterval int    `toml:"log_page_interval"`
	LogLevel        string `toml:"log_level"`
}

// Store backend names.
const (
	BackendREST   = "rest"
	BackendSQLite = "sqlite"
)

// DefaultConfig returns a Config populated with the operationally tuned
// defaults. The safety threshold and coverage ratio carry no derivation;
// they are the values the production job has run with.
func DefaultConfig() *Config {
	return &Config{
		RegistryURL:        "https://graphql.datafordeler.dk/BBR/v1",
		AddressAPIURL:      "https://api.dataforsyningen.dk",
		StoreBackend:       BackendREST,
		StatusCode:         "6",
		PageSize:           500,
		BatchSize:          200,
		AddressRefreshDays: 90,
		MaxPageRetries:     8,
		RetryBaseSeconds:   5,
		PageDelayMS:        200,
		LookupDelayMS:      100,
		SafeThreshold:      500,
		MinDeleteCoverage:  0.8,
		LogPageInterval:    10,
		LogLevel:           "info",
	}
}

// RefreshHorizon is the age past which a record's address data is
// considered stale.
func (c *Config) RefreshHorizon() time.Duration {
	return time.Duration(c.AddressRefreshDays) * 24 * time.Hour
}

// RetryBaseBackoff is the first backoff delay for transient page
// fetch failures.
func (c *Config) RetryBaseBackoff() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// PageDelay is the minimum spacing between page fetches.
func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMS) * time.Millisecond
}

// LookupDelay is the minimum spacing between address lookups.
func (c *Config) LookupDelay() time.Duration {
	return time.Duration(c.LookupDelayMS) * time.Millisecond
}
