// Package reconcile implements the shelter reconciliation engine: it
// walks the cursor-paginated building registry to completion, classifies
// every observation against the locally known state, batches writes, and
// soft-deletes records that have verifiably disappeared upstream.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mkrogh/sheltersync/internal/store"
)

// Snapshot paging and retry shape. The store caps page sizes at 1000
// rows; a failed page is retried twice with growing delay before the
// run aborts.
const (
	snapshotPageLimit  = 1000
	snapshotMaxRetries = 2
)

// snapshotRetryDelay is the base backoff between snapshot page retries.
// Variable so tests can shorten it.
var snapshotRetryDelay = 2 * time.Second

// SnapshotEntry is the subset of a local record the classifier diffs
// against. Capacity is nil when the stored column is null.
type SnapshotEntry struct {
	InternalID         int64
	Capacity           *int
	Deleted            bool
	LastChecked        *time.Time
	LastAddressChecked *time.Time
	HasLocation        bool
	UsageCode          string
	MunicipalityCode   string
}

// Snapshot maps external building ids to their last known local state.
// It is built once per scan and never written back — a read-only
// comparison baseline.
type Snapshot map[string]SnapshotEntry

// ActiveCount returns the number of entries not soft-deleted.
func (s Snapshot) ActiveCount() int {
	n := 0
	for _, e := range s {
		if !e.Deleted {
			n++
		}
	}

	return n
}

// SnapshotSource is the read capability the loader needs.
type SnapshotSource interface {
	ListPage(ctx context.Context, offset, limit int) ([]store.Record, error)
}

// LoadSnapshot bulk-loads all locally known records across store page
// limits. Failure to obtain the complete baseline is fatal to the run:
// diffing or deleting against a partial snapshot would misclassify
// records and could wipe healthy data.
func LoadSnapshot(ctx context.Context, src SnapshotSource, logger *slog.Logger) (Snapshot, error) {
	logger.Info("loading local state snapshot")

	snap := make(Snapshot)
	offset := 0

	for {
		var records []store.Record

		backoff := retry.WithMaxRetries(snapshotMaxRetries, retry.NewExponential(snapshotRetryDelay))

		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var pageErr error

			records, pageErr = src.ListPage(ctx, offset, snapshotPageLimit)
			if pageErr != nil {
				logger.Warn("snapshot page fetch failed, retrying",
					slog.Int("offset", offset),
					slog.String("error", pageErr.Error()),
				)

				return retry.RetryableError(pageErr)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile: loading snapshot page at offset %d: %w", offset, err)
		}

		for i := range records {
			rec := &records[i]
			if rec.BuildingID == "" {
				continue
			}

			snap[rec.BuildingID] = toSnapshotEntry(rec)
		}

		if len(records) < snapshotPageLimit {
			break
		}

		offset += snapshotPageLimit
	}

	logger.Info("local state snapshot loaded",
		slog.Int("records", len(snap)),
		slog.Int("active", snap.ActiveCount()),
	)

	return snap, nil
}

// toSnapshotEntry projects a store record onto the diff baseline.
func toSnapshotEntry(rec *store.Record) SnapshotEntry {
	entry := SnapshotEntry{
		InternalID:         rec.ID,
		Capacity:           rec.Capacity,
		Deleted:            rec.Deleted != nil,
		LastChecked:        rec.LastChecked,
		LastAddressChecked: rec.LastAddressChecked,
		HasLocation:        rec.HasLocation || rec.Location != nil,
	}

	if rec.UsageCode != nil {
		entry.UsageCode = *rec.UsageCode
	}

	if rec.MunicipalityCode != nil {
		entry.MunicipalityCode = *rec.MunicipalityCode
	}

	return entry
}
