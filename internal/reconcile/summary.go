package reconcile

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Summary is the machine-readable run report. It is flushed after every
// page so operators can watch a long scan converge, and finalized at end
// of run with the deletion-guard arithmetic.
type Summary struct {
	RunID string `json:"run_id"`

	New              int `json:"new"`
	Updated          int `json:"updated"`
	Restored         int `json:"restored"`
	Deleted          int `json:"deleted"`
	AddressRefreshed int `json:"address_refreshed"`
	MissingLocation  int `json:"missing_location"`
	Unchanged        int `json:"unchanged"`
	Discarded        int `json:"discarded"`

	Pages           int `json:"pages"`
	SeenIDs         int `json:"seen_ids"`
	ActiveExisting  int `json:"active_existing"`
	MinSeenRequired int `json:"min_seen_required"`

	SourceErrorCount   int    `json:"source_error_count"`
	Completed          bool   `json:"completed_successfully"`
	HadSourceErrors    bool   `json:"source_had_errors"`
	UnrecoverableRows  int    `json:"unrecoverable_rows"`
	DeletionSkipReason string `json:"deletion_skip_reason,omitempty"`

	TimestampUTC time.Time `json:"timestamp_utc"`
}

// NewSummary creates an empty summary with a fresh run id.
func NewSummary() *Summary {
	return &Summary{RunID: uuid.NewString()}
}

// count increments the counter for a classification.
func (s *Summary) count(c Class) {
	switch c {
	case ClassNew:
		s.New++
	case ClassUpdated:
		s.Updated++
	case ClassRestored:
		s.Restored++
	case ClassAddressRefresh:
		s.AddressRefreshed++
	case ClassUnchanged:
		s.Unchanged++
	case ClassDiscarded:
		s.Discarded++
	}
}

// SummaryWriter is the reporting side-channel. Implementations must
// never fail the scan: reporting problems are logged and swallowed.
type SummaryWriter interface {
	Write(s *Summary)
}

// FileSink writes the summary as indented JSON to a fixed path. An
// empty path disables reporting.
type FileSink struct {
	path   string
	logger *slog.Logger
}

// NewFileSink creates a summary sink writing to path.
func NewFileSink(path string, logger *slog.Logger) *FileSink {
	return &FileSink{path: path, logger: logger}
}

// Write renders and stores the summary, logging any failure.
func (f *FileSink) Write(s *Summary) {
	if f.path == "" {
		return
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		f.logger.Warn("failed to encode run summary", slog.String("error", err.Error()))
		return
	}

	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		f.logger.Warn("failed to write run summary",
			slog.String("path", f.path),
			slog.String("error", err.Error()),
		)
	}
}
