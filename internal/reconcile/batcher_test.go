package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrogh/sheltersync/internal/store"
)

// fakeWriter records every Upsert call and fails the ids listed in
// failIDs. A batch containing any failing id fails as a whole.
type fakeWriter struct {
	calls   [][]store.Row
	failIDs map[string]bool
}

func (w *fakeWriter) Upsert(_ context.Context, rows []store.Row) error {
	w.calls = append(w.calls, rows)

	for _, row := range rows {
		if w.failIDs[row.BuildingID()] {
			return errors.New("constraint violation")
		}
	}

	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func rowFor(id string) store.Row {
	return store.Row{
		store.ColBuildingID:       id,
		store.ColCapacity:         10,
		store.ColLastChecked:      "2026-08-01T12:00:00Z",
		store.ColUsageCode:        "X",
		store.ColMunicipalityCode: "100",
	}
}

func TestBatcherFlushesAtSize(t *testing.T) {
	writer := &fakeWriter{}
	b := NewBatcher(writer, 2, discardLogger())
	ctx := context.Background()

	b.AddFull(ctx, rowFor("A"))
	assert.Empty(t, writer.calls, "below batch size, nothing written yet")

	b.AddFull(ctx, rowFor("B"))
	require.Len(t, writer.calls, 1)
	assert.Len(t, writer.calls[0], 2)
	assert.Equal(t, 2, b.Written())
}

func TestBatcherQueuesAreIndependent(t *testing.T) {
	writer := &fakeWriter{}
	b := NewBatcher(writer, 2, discardLogger())
	ctx := context.Background()

	b.AddFull(ctx, rowFor("A"))
	b.AddCore(ctx, rowFor("B"))
	assert.Empty(t, writer.calls, "one row per queue must not trigger a flush")

	b.Flush(ctx)
	require.Len(t, writer.calls, 2)
	assert.Equal(t, 2, b.Written())
}

func TestBatcherFlushWritesRemainder(t *testing.T) {
	writer := &fakeWriter{}
	b := NewBatcher(writer, 100, discardLogger())
	ctx := context.Background()

	b.AddFull(ctx, rowFor("A"))
	b.Flush(ctx)

	require.Len(t, writer.calls, 1)
	assert.Equal(t, 1, b.Written())

	b.Flush(ctx)
	assert.Len(t, writer.calls, 1, "flushing an empty batcher writes nothing")
}

func TestBatcherFallsBackToSingleRows(t *testing.T) {
	// "BAD" fails as part of a batch but succeeds alone, simulating a
	// neighbor poisoning the batch.
	writer := &singleRowRescueWriter{failInBatch: "BAD"}
	b := NewBatcher(writer, 3, discardLogger())
	ctx := context.Background()

	b.AddFull(ctx, rowFor("A"))
	b.AddFull(ctx, rowFor("BAD"))
	b.AddFull(ctx, rowFor("C"))

	// One failed batch call plus three individual retries.
	require.Len(t, writer.calls, 4)
	assert.Equal(t, 3, b.Written())
	assert.Zero(t, b.Unrecoverable())
}

// singleRowRescueWriter fails any multi-row batch containing failInBatch
// but accepts single-row writes.
type singleRowRescueWriter struct {
	calls       [][]store.Row
	failInBatch string
}

func (w *singleRowRescueWriter) Upsert(_ context.Context, rows []store.Row) error {
	w.calls = append(w.calls, rows)

	if len(rows) > 1 {
		for _, row := range rows {
			if row.BuildingID() == w.failInBatch {
				return errors.New("batch rejected")
			}
		}
	}

	return nil
}

func TestBatcherRescueWrite(t *testing.T) {
	// The full row for "BAD" always fails; only the stripped-down rescue
	// row goes through.
	writer := &rescueOnlyWriter{badID: "BAD"}
	b := NewBatcher(writer, 1, discardLogger())
	ctx := context.Background()

	full := rowFor("BAD")
	full[store.ColAddress] = "Somewhere 1"
	b.AddFull(ctx, full)

	assert.Equal(t, 1, b.Written())
	assert.Zero(t, b.Unrecoverable())

	require.NotNil(t, writer.rescued)
	rescued := writer.rescued

	assert.Equal(t, "BAD", rescued.BuildingID())
	assert.Equal(t, 10, rescued[store.ColCapacity])
	assert.Equal(t, "2026-08-01T12:00:00Z", rescued[store.ColLastChecked])
	assert.NotContains(t, rescued, store.ColAddress)

	// The marker and code fields must be present as explicit nulls.
	for _, col := range []string{store.ColDeleted, store.ColUsageCode, store.ColMunicipalityCode} {
		val, ok := rescued[col]
		assert.True(t, ok, "rescue row must carry %s", col)
		assert.Nil(t, val, "rescue row must null %s", col)
	}
}

// rescueOnlyWriter rejects any row for badID that carries more than the
// rescue fields.
type rescueOnlyWriter struct {
	badID   string
	rescued store.Row
}

func (w *rescueOnlyWriter) Upsert(_ context.Context, rows []store.Row) error {
	for _, row := range rows {
		if row.BuildingID() != w.badID {
			continue
		}

		if _, hasAddr := row[store.ColAddress]; hasAddr || row[store.ColUsageCode] != nil {
			return errors.New("dangling reference")
		}

		w.rescued = row
	}

	return nil
}

func TestBatcherCountsUnrecoverableRows(t *testing.T) {
	writer := &fakeWriter{failIDs: map[string]bool{"DOOMED": true}}
	b := NewBatcher(writer, 1, discardLogger())
	ctx := context.Background()

	b.AddCore(ctx, rowFor("DOOMED"))
	b.AddCore(ctx, rowFor("OK"))

	// Batch, single retry, rescue: three failed attempts for the doomed
	// row, one successful write for the healthy one.
	assert.Equal(t, 1, b.Written())
	assert.Equal(t, 1, b.Unrecoverable())
}
