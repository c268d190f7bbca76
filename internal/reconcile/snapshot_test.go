package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrogh/sheltersync/internal/store"
)

// fakeSnapshotSource serves records page by page with per-call error
// injection keyed by call number.
type fakeSnapshotSource struct {
	records []store.Record
	errOn   map[int]error
	calls   int
}

func (s *fakeSnapshotSource) ListPage(_ context.Context, offset, limit int) ([]store.Record, error) {
	s.calls++

	if err, ok := s.errOn[s.calls]; ok {
		return nil, err
	}

	if offset >= len(s.records) {
		return nil, nil
	}

	end := offset + limit
	if end > len(s.records) {
		end = len(s.records)
	}

	return s.records[offset:end], nil
}

func makeRecords(n int) []store.Record {
	records := make([]store.Record, n)
	for i := range records {
		records[i] = store.Record{
			ID:         int64(i + 1),
			BuildingID: fmt.Sprintf("bygning-%04d", i),
		}
	}

	return records
}

func shortSnapshotRetries(t *testing.T) {
	t.Helper()

	orig := snapshotRetryDelay
	snapshotRetryDelay = time.Millisecond
	t.Cleanup(func() { snapshotRetryDelay = orig })
}

func TestLoadSnapshotSinglePage(t *testing.T) {
	deletedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	capacity := 25
	usage := "X"

	src := &fakeSnapshotSource{records: []store.Record{
		{ID: 1, BuildingID: "A", Capacity: &capacity, UsageCode: &usage, HasLocation: true},
		{ID: 2, BuildingID: "B", Deleted: &deletedAt},
		{ID: 3, BuildingID: ""}, // no external id, ignored
	}}

	snap, err := LoadSnapshot(context.Background(), src, discardLogger())

	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, 1, snap.ActiveCount())

	a := snap["A"]
	assert.Equal(t, int64(1), a.InternalID)
	require.NotNil(t, a.Capacity)
	assert.Equal(t, 25, *a.Capacity)
	assert.Equal(t, "X", a.UsageCode)
	assert.True(t, a.HasLocation)
	assert.False(t, a.Deleted)

	assert.True(t, snap["B"].Deleted)
}

func TestLoadSnapshotSpansPages(t *testing.T) {
	src := &fakeSnapshotSource{records: makeRecords(snapshotPageLimit + 250)}

	snap, err := LoadSnapshot(context.Background(), src, discardLogger())

	require.NoError(t, err)
	assert.Len(t, snap, snapshotPageLimit+250)
	assert.Equal(t, 2, src.calls)
}

func TestLoadSnapshotExactPageBoundary(t *testing.T) {
	src := &fakeSnapshotSource{records: makeRecords(snapshotPageLimit)}

	snap, err := LoadSnapshot(context.Background(), src, discardLogger())

	require.NoError(t, err)
	assert.Len(t, snap, snapshotPageLimit)
	// A full page forces one extra fetch to observe the end.
	assert.Equal(t, 2, src.calls)
}

func TestLoadSnapshotRetriesTransientFailure(t *testing.T) {
	shortSnapshotRetries(t)

	src := &fakeSnapshotSource{
		records: makeRecords(3),
		errOn:   map[int]error{1: errors.New("gateway timeout")},
	}

	snap, err := LoadSnapshot(context.Background(), src, discardLogger())

	require.NoError(t, err)
	assert.Len(t, snap, 3)
	assert.Equal(t, 2, src.calls)
}

func TestLoadSnapshotFatalAfterRetriesExhausted(t *testing.T) {
	shortSnapshotRetries(t)

	persistent := errors.New("store down")
	src := &fakeSnapshotSource{
		records: makeRecords(3),
		errOn:   map[int]error{1: persistent, 2: persistent, 3: persistent},
	}

	snap, err := LoadSnapshot(context.Background(), src, discardLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, persistent)
	assert.Nil(t, snap)
	// Initial attempt plus snapshotMaxRetries retries.
	assert.Equal(t, 1+snapshotMaxRetries, src.calls)
}

func TestLoadSnapshotEmptyStore(t *testing.T) {
	src := &fakeSnapshotSource{}

	snap, err := LoadSnapshot(context.Background(), src, discardLogger())

	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.Zero(t, snap.ActiveCount())
}
