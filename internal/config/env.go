package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names. Credentials and tuning overrides keep the
// names the production job has always used; only the config path prefix
// is new.
const (
	EnvConfig = "SHELTERSYNC_CONFIG"

	EnvSupabaseURL        = "SUPABASE_URL"
	EnvSupabaseKey        = "SUPABASE_KEY"
	EnvDatafordelerAPIKey = "DATAFORDELER_API_KEY"

	EnvBatchSize          = "BATCH_SIZE"
	EnvPageSize           = "PAGE_SIZE"
	EnvAddressRefreshDays = "ADDRESS_REFRESH_DAYS"
	EnvMaxPageRetries     = "MAX_GRAPHQL_RETRIES"
	EnvRetryBaseSeconds   = "GRAPHQL_RETRY_BASE_SLEEP"
	EnvSafeThreshold      = "SAFE_THRESHOLD"
	EnvMinDeleteCoverage  = "MIN_DELETE_COVERAGE"
	EnvSummaryPath        = "SUMMARY_PATH"
	EnvLogPageInterval    = "LOG_PAGE_INTERVAL"
)

// ApplyEnvOverrides mutates cfg with any environment overrides present.
// Malformed numeric values are an error rather than a silent fallback —
// a typoed threshold must not weaken the deletion guard.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvSupabaseURL); v != "" {
		cfg.SupabaseURL = v
	}

	if v := os.Getenv(EnvSupabaseKey); v != "" {
		cfg.SupabaseKey = v
	}

	if v := os.Getenv(EnvDatafordelerAPIKey); v != "" {
		cfg.DatafordelerAPIKey = v
	}

	if v := os.Getenv(EnvSummaryPath); v != "" {
		cfg.SummaryPath = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{EnvBatchSize, &cfg.BatchSize},
		{EnvPageSize, &cfg.PageSize},
		{EnvAddressRefreshDays, &cfg.AddressRefreshDays},
		{EnvMaxPageRetries, &cfg.MaxPageRetries},
		{EnvRetryBaseSeconds, &cfg.RetryBaseSeconds},
		{EnvSafeThreshold, &cfg.SafeThreshold},
		{EnvLogPageInterval, &cfg.LogPageInterval},
	}

	for _, ev := range intVars {
		v := os.Getenv(ev.name)
		if v == "" {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not an integer: %w", ev.name, v, err)
		}

		*ev.dst = n
	}

	if v := os.Getenv(EnvMinDeleteCoverage); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a number: %w", EnvMinDeleteCoverage, v, err)
		}

		cfg.MinDeleteCoverage = f
	}

	return nil
}
