package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/mkrogh/sheltersync/internal/config"
	"github.com/mkrogh/sheltersync/internal/dawa"
	"github.com/mkrogh/sheltersync/internal/reconcile"
	"github.com/mkrogh/sheltersync/internal/registry"
)

// newSyncCmd builds the sync command: one full reconciliation scan.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation scan against the building registry",
		Long: "Walks the building registry to completion, classifies every record " +
			"against local state, writes changes in batches, and soft-deletes " +
			"records no longer present upstream when the scan is trustworthy.",
		Args: cobra.NoArgs,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Resolve(flagConfigPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	if err := cfg.RequireCredentials(); err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	source := registry.NewClient(registry.ClientConfig{
		Endpoint:    cfg.RegistryURL,
		APIKey:      cfg.DatafordelerAPIKey,
		StatusCode:  cfg.StatusCode,
		MaxRetries:  cfg.MaxPageRetries,
		BaseBackoff: cfg.RetryBaseBackoff(),
	}, &http.Client{Timeout: registryHTTPTimeout}, logger)

	var lookupLimiter *rate.Limiter
	if d := cfg.LookupDelay(); d > 0 {
		lookupLimiter = rate.NewLimiter(rate.Every(d), 1)
	}

	lookup := dawa.NewClient(cfg.AddressAPIURL,
		&http.Client{Timeout: lookupHTTPTimeout}, lookupLimiter, logger)

	driver := reconcile.NewDriver(reconcile.Config{
		PageSize:          cfg.PageSize,
		BatchSize:         cfg.BatchSize,
		RefreshHorizon:    cfg.RefreshHorizon(),
		SafeThreshold:     cfg.SafeThreshold,
		MinDeleteCoverage: cfg.MinDeleteCoverage,
		PageDelay:         cfg.PageDelay(),
		LogPageInterval:   cfg.LogPageInterval,
	}, source, lookup, st, reconcile.NewFileSink(cfg.SummaryPath, logger), logger)

	// An interrupt stops the loop between pages; the saved cursor and
	// idempotent upserts make the next run pick up where this one left off.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := driver.Run(ctx)

	if flagJSON {
		if data, err := json.MarshalIndent(summary, "", "  "); err == nil {
			cmd.Println(string(data))
		}
	}

	return runErr
}
