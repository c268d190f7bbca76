package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mkrogh/sheltersync/internal/config"
	"github.com/mkrogh/sheltersync/internal/store"
	"github.com/mkrogh/sheltersync/internal/store/rest"
	"github.com/mkrogh/sheltersync/internal/store/sqlite"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// HTTP client timeouts. The registry runs long GraphQL queries; the
// record store and address lookups answer quickly.
const (
	registryHTTPTimeout = 45 * time.Second
	storeHTTPTimeout    = 30 * time.Second
	lookupHTTPTimeout   = 10 * time.Second
)

// newRootCmd builds the fully-assembled root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sheltersync",
		Short:   "Shelter registry reconciliation",
		Long:    "Synchronizes the local shelter record set with the BBR building registry.",
		Version: version,
		// Errors and usage are printed by exitOnError, not by cobra.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// buildLogger creates an slog.Logger: text output on a terminal, JSON
// when piped or under a scheduler. Config sets the baseline level; the
// --verbose and --quiet flags win over it.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) && !flagJSON {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// openStore constructs the configured record store backend.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		return sqlite.NewStore(cfg.StorePath, logger)
	default:
		httpClient := &http.Client{Timeout: storeHTTPTimeout}
		return rest.New(cfg.SupabaseURL, cfg.SupabaseKey, httpClient, logger), nil
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
