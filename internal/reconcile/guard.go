package reconcile

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// deleteBatchSize bounds one soft-delete patch.
const deleteBatchSize = 100

// Deletion skip reasons recorded in the run summary.
const (
	SkipScanIncomplete       = "scan_incomplete"
	SkipSourceErrors         = "source_errors"
	SkipInsufficientCoverage = "insufficient_coverage"
)

// Deleter is the soft-delete capability the guard needs.
type Deleter interface {
	SoftDelete(ctx context.Context, internalIDs []int64, ts time.Time) error
}

// minSeenRequired computes the observation floor below which deletions
// are not trusted: at least threshold records, or coverage of the known
// active set, whichever is larger. A suspiciously small seen set is
// evidence of upstream failure, not of mass demolition.
func minSeenRequired(active, threshold int, coverage float64) int {
	byCoverage := int(math.Ceil(float64(active) * coverage))
	if byCoverage > threshold {
		return byCoverage
	}

	return threshold
}

// applyDeletions soft-deletes every active snapshot record whose
// external id was not observed this scan, in bounded batches keyed by
// internal id. Chunk failures are logged and skipped; the affected
// records simply remain active until the next clean scan.
func applyDeletions(ctx context.Context, deleter Deleter, snap Snapshot, seen map[string]struct{}, ts time.Time, logger *slog.Logger) int {
	var orphans []int64

	for id, entry := range snap {
		if entry.Deleted {
			continue
		}

		if _, ok := seen[id]; !ok {
			orphans = append(orphans, entry.InternalID)
		}
	}

	if len(orphans) == 0 {
		return 0
	}

	logger.Info("soft-deleting records absent from upstream",
		slog.Int("count", len(orphans)),
	)

	deleted := 0

	for start := 0; start < len(orphans); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(orphans) {
			end = len(orphans)
		}

		chunk := orphans[start:end]
		if err := deleter.SoftDelete(ctx, chunk, ts); err != nil {
			logger.Error("soft-delete chunk failed",
				slog.Int("chunk_size", len(chunk)),
				slog.String("error", err.Error()),
			)

			continue
		}

		deleted += len(chunk)
	}

	return deleted
}
