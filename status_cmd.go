package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkrogh/sheltersync/internal/config"
	"github.com/mkrogh/sheltersync/internal/reconcile"
)

// newStatusCmd builds the status command: shows the saved scan
// checkpoint and the most recent run summary.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scan checkpoint and last run summary",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// statusReport is the machine-readable status output.
type statusReport struct {
	CursorSaved bool               `json:"cursor_saved"`
	LastRun     string             `json:"last_run,omitempty"`
	LastSummary *reconcile.Summary `json:"last_summary,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Resolve(flagConfigPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := st.LoadSyncState(cmd.Context())
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}

	report := statusReport{CursorSaved: state.Cursor != ""}
	if !state.LastRun.IsZero() {
		report.LastRun = state.LastRun.UTC().Format("2006-01-02T15:04:05Z")
	}

	if summary, err := readSummary(cfg.SummaryPath); err == nil {
		report.LastSummary = summary
	}

	if flagJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}

		cmd.Println(string(data))

		return nil
	}

	printStatus(cmd, &report)

	return nil
}

// readSummary loads the last run summary, if a summary path is
// configured and a file exists there.
func readSummary(path string) (*reconcile.Summary, error) {
	if path == "" {
		return nil, errors.New("no summary path configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s reconcile.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

// printStatus renders the human-readable status view.
func printStatus(cmd *cobra.Command, report *statusReport) {
	if report.CursorSaved {
		cmd.Println("Scan: interrupted, cursor saved (next sync resumes)")
	} else {
		cmd.Println("Scan: no saved cursor (next sync starts fresh)")
	}

	if report.LastRun != "" {
		cmd.Printf("Last run: %s\n", report.LastRun)
	}

	s := report.LastSummary
	if s == nil {
		return
	}

	cmd.Printf("Last summary (run %s):\n", s.RunID)
	cmd.Printf("  pages: %d, seen: %d, completed: %t\n", s.Pages, s.SeenIDs, s.Completed)
	cmd.Printf("  new: %d, updated: %d, restored: %d, unchanged: %d\n",
		s.New, s.Updated, s.Restored, s.Unchanged)
	cmd.Printf("  address refreshed: %d, missing location: %d, deleted: %d\n",
		s.AddressRefreshed, s.MissingLocation, s.Deleted)

	if s.DeletionSkipReason != "" {
		cmd.Printf("  deletion skipped: %s\n", s.DeletionSkipReason)
	}
}
