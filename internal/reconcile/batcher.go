package reconcile

import (
	"context"
	"log/slog"

	"github.com/mkrogh/sheltersync/internal/store"
)

// BatchWriter is the write capability the batcher needs.
type BatchWriter interface {
	Upsert(ctx context.Context, rows []store.Row) error
}

// Batcher accumulates classified records into two bounded queues: full
// rows carrying fresh enrichment and core rows touching only the diffed
// fields. Write failures degrade — batch, then per record, then a
// minimal rescue row — and are absorbed so a bad record can never stop
// the scan; a lost record stays out of the seen reconciliation only at
// the write layer and is retried naturally on the next run.
type Batcher struct {
	writer BatchWriter
	size   int
	logger *slog.Logger

	full []store.Row
	core []store.Row

	written       int
	unrecoverable int
}

// NewBatcher creates a batcher flushing each queue at size rows.
func NewBatcher(writer BatchWriter, size int, logger *slog.Logger) *Batcher {
	return &Batcher{
		writer: writer,
		size:   size,
		logger: logger,
	}
}

// AddFull queues a full-field row (core fields plus enrichment),
// flushing the full queue when it reaches the batch size.
func (b *Batcher) AddFull(ctx context.Context, row store.Row) {
	b.full = append(b.full, row)

	if len(b.full) >= b.size {
		b.flushQueue(ctx, b.full, "full")
		b.full = nil
	}
}

// AddCore queues a core-field row, flushing the core queue when it
// reaches the batch size.
func (b *Batcher) AddCore(ctx context.Context, row store.Row) {
	b.core = append(b.core, row)

	if len(b.core) >= b.size {
		b.flushQueue(ctx, b.core, "core")
		b.core = nil
	}
}

// Flush writes any queued remainder. Call at end of scan.
func (b *Batcher) Flush(ctx context.Context) {
	if len(b.full) > 0 {
		b.flushQueue(ctx, b.full, "full")
		b.full = nil
	}

	if len(b.core) > 0 {
		b.flushQueue(ctx, b.core, "core")
		b.core = nil
	}
}

// Written returns the number of rows successfully persisted.
func (b *Batcher) Written() int { return b.written }

// Unrecoverable returns the number of rows lost after every fallback
// failed.
func (b *Batcher) Unrecoverable() int { return b.unrecoverable }

// flushQueue upserts one queue. On batch failure each row is retried
// individually; a row that still fails gets a minimal rescue write that
// clears fields known to trip referential constraints.
func (b *Batcher) flushQueue(ctx context.Context, rows []store.Row, queue string) {
	if len(rows) == 0 {
		return
	}

	err := b.writer.Upsert(ctx, rows)
	if err == nil {
		b.written += len(rows)
		b.logger.Info("flushed batch",
			slog.String("queue", queue),
			slog.Int("rows", len(rows)),
		)

		return
	}

	b.logger.Error("batch upsert failed, retrying rows individually",
		slog.String("queue", queue),
		slog.Int("rows", len(rows)),
		slog.String("error", err.Error()),
	)

	for _, row := range rows {
		b.writeSingle(ctx, row)
	}
}

// writeSingle upserts one row, falling back to the rescue write.
func (b *Batcher) writeSingle(ctx context.Context, row store.Row) {
	err := b.writer.Upsert(ctx, []store.Row{row})
	if err == nil {
		b.written++
		return
	}

	id := row.BuildingID()
	b.logger.Warn("row upsert failed, attempting minimal rescue write",
		slog.String("building_id", id),
		slog.String("error", err.Error()),
	)

	if err := b.writer.Upsert(ctx, []store.Row{rescueRow(row)}); err != nil {
		b.unrecoverable++
		b.logger.Error("rescue write failed, record lost this pass",
			slog.String("building_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	b.written++
	b.logger.Info("rescue write saved record", slog.String("building_id", id))
}

// rescueRow strips a failed row down to the fields that must survive:
// identity, capacity, and the check timestamp. The deleted marker is
// explicitly cleared so a restore is never blocked, and the code fields
// are nulled because dangling references are the usual cause of the
// original failure.
func rescueRow(row store.Row) store.Row {
	return store.Row{
		store.ColBuildingID:       row[store.ColBuildingID],
		store.ColCapacity:         row[store.ColCapacity],
		store.ColLastChecked:      row[store.ColLastChecked],
		store.ColDeleted:          nil,
		store.ColUsageCode:        nil,
		store.ColMunicipalityCode: nil,
	}
}
