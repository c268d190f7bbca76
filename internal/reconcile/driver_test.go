package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrogh/sheltersync/internal/dawa"
	"github.com/mkrogh/sheltersync/internal/registry"
	"github.com/mkrogh/sheltersync/internal/store"
)

// mockStore is an in-memory store.Store recording every mutation, with
// per-method error injection.
type mockStore struct {
	records []store.Record

	upserts     [][]store.Row
	touches     [][]string
	deletes     [][]int64
	savedStates []store.SyncState

	state    store.SyncState
	stateErr error
}

func (m *mockStore) ListPage(_ context.Context, offset, limit int) ([]store.Record, error) {
	if offset >= len(m.records) {
		return nil, nil
	}

	end := offset + limit
	if end > len(m.records) {
		end = len(m.records)
	}

	return m.records[offset:end], nil
}

func (m *mockStore) Upsert(_ context.Context, rows []store.Row) error {
	m.upserts = append(m.upserts, rows)
	return nil
}

func (m *mockStore) TouchLastSeen(_ context.Context, ids []string, _ time.Time) error {
	m.touches = append(m.touches, ids)
	return nil
}

func (m *mockStore) SoftDelete(_ context.Context, ids []int64, _ time.Time) error {
	m.deletes = append(m.deletes, ids)
	return nil
}

func (m *mockStore) LoadSyncState(_ context.Context) (store.SyncState, error) {
	return m.state, m.stateErr
}

func (m *mockStore) SaveSyncState(_ context.Context, state store.SyncState) error {
	m.savedStates = append(m.savedStates, state)
	return nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) upsertedIDs() []string {
	var ids []string
	for _, batch := range m.upserts {
		for _, row := range batch {
			ids = append(ids, row.BuildingID())
		}
	}

	return ids
}

// fakeSource plays back a scripted page sequence and records the cursor
// of every fetch. A page may carry an error instead of data.
type fakeSource struct {
	pages   []scriptedPage
	cursors []string
}

type scriptedPage struct {
	page *registry.Page
	err  error
}

func (s *fakeSource) FetchPage(_ context.Context, cursor string, _ int) (*registry.Page, error) {
	s.cursors = append(s.cursors, cursor)

	idx := len(s.cursors) - 1
	if idx >= len(s.pages) {
		return nil, errors.New("fetch past end of script")
	}

	return s.pages[idx].page, s.pages[idx].err
}

// fakeLookup resolves scripted addresses and records every id asked for.
type fakeLookup struct {
	addresses map[string]*dawa.Address
	asked     []string
}

func (l *fakeLookup) Lookup(_ context.Context, id string) (*dawa.Address, error) {
	l.asked = append(l.asked, id)
	return l.addresses[id], nil
}

// memorySink keeps the last summary written.
type memorySink struct {
	last   *Summary
	writes int
}

func (s *memorySink) Write(sum *Summary) {
	s.last = sum
	s.writes++
}

func testDriverConfig() Config {
	return Config{
		PageSize:          500,
		BatchSize:         200,
		RefreshHorizon:    testHorizon,
		SafeThreshold:     1,
		MinDeleteCoverage: 0.8,
	}
}

func newTestDriver(cfg Config, src PageSource, lookup AddressLookup, st store.Store) *Driver {
	d := NewDriver(cfg, src, lookup, st, &memorySink{}, discardLogger())
	d.clock = func() time.Time { return testNow }

	return d
}

func activeRecord(id int64, buildingID string, capacity int) store.Record {
	recent := testNow.Add(-time.Hour)

	return store.Record{
		ID:                 id,
		BuildingID:         buildingID,
		Capacity:           &capacity,
		HasLocation:        true,
		LastChecked:        &recent,
		LastAddressChecked: &recent,
	}
}

func TestDriverFreshScanHappyPath(t *testing.T) {
	st := &mockStore{}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{
			Buildings: []registry.Building{
				{ID: "A", CapacityRaw: "10", AccessAddressID: "addr-a"},
				{ID: "BAD", CapacityRaw: "0"},
			},
			HasNext:   true,
			EndCursor: "cursor-1",
		}},
		{page: &registry.Page{
			Buildings: []registry.Building{
				{ID: "B", CapacityRaw: "20", AccessAddressID: "addr-b"},
			},
			HasNext:   false,
			EndCursor: "cursor-2",
		}},
	}}
	lookup := &fakeLookup{addresses: map[string]*dawa.Address{
		"addr-a": {
			Text:       "Gade 1, 8000 Aarhus",
			StreetName: "Gade",
			PostalCode: "8000",
			Location:   &store.Point{Lon: 10.2, Lat: 56.1},
		},
	}}

	d := newTestDriver(testDriverConfig(), src, lookup, st)

	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, summary.Completed)
	assert.Equal(t, 2, summary.Pages)
	assert.Equal(t, 2, summary.New)
	assert.Equal(t, 1, summary.Discarded)
	assert.Equal(t, 2, summary.SeenIDs)
	assert.Zero(t, summary.SourceErrorCount)

	// First fetch starts fresh; the second carries the page-1 cursor.
	assert.Equal(t, []string{"", "cursor-1"}, src.cursors)

	// Cursor committed after each page, then cleared on completion.
	require.Len(t, st.savedStates, 3)
	assert.Equal(t, "cursor-1", st.savedStates[0].Cursor)
	assert.Equal(t, "cursor-2", st.savedStates[1].Cursor)
	assert.Empty(t, st.savedStates[2].Cursor)

	assert.ElementsMatch(t, []string{"A", "B"}, st.upsertedIDs())
	assert.ElementsMatch(t, []string{"addr-a", "addr-b"}, lookup.asked)

	// addr-b resolved to nothing, so only B is short a location.
	assert.Equal(t, 1, summary.MissingLocation)
}

func TestDriverNewRecordRowCarriesEnrichment(t *testing.T) {
	st := &mockStore{}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{
			Buildings: []registry.Building{
				{ID: "A", CapacityRaw: "10", UsageCode: "X", MunicipalityCode: "751", AccessAddressID: "addr-a"},
			},
		}},
	}}
	lookup := &fakeLookup{addresses: map[string]*dawa.Address{
		"addr-a": {
			Text:        "Gade 1, 8000 Aarhus",
			StreetName:  "Gade",
			HouseNumber: "1",
			PostalCode:  "8000",
			Location:    &store.Point{Lon: 10.2, Lat: 56.1},
		},
	}}

	d := newTestDriver(testDriverConfig(), src, lookup, st)

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.upserts, 1)
	require.Len(t, st.upserts[0], 1)
	row := st.upserts[0][0]

	assert.Equal(t, "A", row[store.ColBuildingID])
	assert.Equal(t, 10, row[store.ColCapacity])
	assert.Equal(t, "X", row[store.ColUsageCode])
	assert.Equal(t, "751", row[store.ColMunicipalityCode])
	assert.Equal(t, "Gade 1, 8000 Aarhus", row[store.ColAddress])
	assert.Equal(t, "Gade", row[store.ColStreetName])
	assert.Equal(t, "1", row[store.ColHouseNumber])
	assert.Equal(t, "8000", row[store.ColPostalCode])
	assert.Equal(t, &store.Point{Lon: 10.2, Lat: 56.1}, row[store.ColLocation])
	assert.Equal(t, "2026-08-01T12:00:00Z", row[store.ColLastChecked])
	assert.Equal(t, "2026-08-01T12:00:00Z", row[store.ColLastAddressChecked])
}

func TestDriverResumesFromSavedCursor(t *testing.T) {
	st := &mockStore{state: store.SyncState{Cursor: "saved-cursor"}}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{EndCursor: "final"}},
	}}

	d := newTestDriver(testDriverConfig(), src, &fakeLookup{}, st)

	_, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"saved-cursor"}, src.cursors)
}

func TestDriverCursorLoadFailureStartsFresh(t *testing.T) {
	st := &mockStore{stateErr: errors.New("state row missing")}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{EndCursor: "final"}},
	}}

	d := newTestDriver(testDriverConfig(), src, &fakeLookup{}, st)

	_, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{""}, src.cursors)
}

func TestDriverAbortPreservesCursorAndSkipsDeletion(t *testing.T) {
	st := &mockStore{records: []store.Record{
		activeRecord(1, "DOOMED", 5),
	}}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{
			Buildings: []registry.Building{{ID: "A", CapacityRaw: "10"}},
			HasNext:   true,
			EndCursor: "cursor-1",
		}},
		{err: fmt.Errorf("%w: malformed query", registry.ErrQueryFault)},
	}}

	d := newTestDriver(testDriverConfig(), src, &fakeLookup{}, st)

	summary, err := d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrQueryFault)

	assert.False(t, summary.Completed)
	assert.True(t, summary.HadSourceErrors)
	assert.Equal(t, 1, summary.SourceErrorCount)
	assert.Equal(t, SkipScanIncomplete, summary.DeletionSkipReason)

	// No deletions after a broken scan, and the page-1 cursor stays
	// committed for the next run.
	assert.Empty(t, st.deletes)
	require.NotEmpty(t, st.savedStates)
	assert.Equal(t, "cursor-1", st.savedStates[len(st.savedStates)-1].Cursor)

	// Page 1 was fully processed before the abort.
	assert.ElementsMatch(t, []string{"A"}, st.upsertedIDs())
}

func TestDriverDeletesUnseenAfterCleanScan(t *testing.T) {
	st := &mockStore{records: []store.Record{
		activeRecord(1, "KEPT", 5),
		activeRecord(2, "GONE", 5),
	}}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{
			Buildings: []registry.Building{{ID: "KEPT", CapacityRaw: "5"}},
			EndCursor: "final",
		}},
	}}

	cfg := testDriverConfig()
	cfg.MinDeleteCoverage = 0.5

	d := newTestDriver(cfg, src, &fakeLookup{}, st)

	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)
	assert.Empty(t, summary.DeletionSkipReason)
	require.Len(t, st.deletes, 1)
	assert.Equal(t, []int64{2}, st.deletes[0])
}

func TestDriverSkipsDeletionOnInsufficientCoverage(t *testing.T) {
	records := make([]store.Record, 10)
	for i := range records {
		records[i] = activeRecord(int64(i+1), fmt.Sprintf("R%d", i), 5)
	}

	st := &mockStore{records: records}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{
			Buildings: []registry.Building{{ID: "R0", CapacityRaw: "5"}},
			EndCursor: "final",
		}},
	}}

	d := newTestDriver(testDriverConfig(), src, &fakeLookup{}, st)

	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SkipInsufficientCoverage, summary.DeletionSkipReason)
	assert.Zero(t, summary.Deleted)
	assert.Equal(t, 8, summary.MinSeenRequired)
	assert.Empty(t, st.deletes)
}

func TestDriverTouchesUnchangedOnCleanScan(t *testing.T) {
	st := &mockStore{records: []store.Record{
		activeRecord(1, "SAME", 5),
	}}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{
			Buildings: []registry.Building{{ID: "SAME", CapacityRaw: "5"}},
			EndCursor: "final",
		}},
	}}

	cfg := testDriverConfig()
	cfg.MinDeleteCoverage = 0.5

	d := newTestDriver(cfg, src, &fakeLookup{}, st)

	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Unchanged)

	// Unchanged records get a last-seen touch, not an upsert.
	assert.Empty(t, st.upserts)
	require.Len(t, st.touches, 1)
	assert.Equal(t, []string{"SAME"}, st.touches[0])
}

func TestDriverRestoredRowClearsDeletedMarker(t *testing.T) {
	deletedAt := testNow.Add(-30 * 24 * time.Hour)
	capacity := 5

	st := &mockStore{records: []store.Record{
		{ID: 1, BuildingID: "BACK", Capacity: &capacity, Deleted: &deletedAt},
	}}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{
			Buildings: []registry.Building{{ID: "BACK", CapacityRaw: "5"}},
			EndCursor: "final",
		}},
	}}

	d := newTestDriver(testDriverConfig(), src, &fakeLookup{}, st)

	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Restored)

	require.Len(t, st.upserts, 1)
	row := st.upserts[0][0]

	val, ok := row[store.ColDeleted]
	assert.True(t, ok, "restored row must write the deleted column")
	assert.Nil(t, val, "restored row must null the deleted column")
}

func TestDriverSummaryWrittenAfterEveryPage(t *testing.T) {
	st := &mockStore{}
	src := &fakeSource{pages: []scriptedPage{
		{page: &registry.Page{HasNext: true, EndCursor: "c1"}},
		{page: &registry.Page{EndCursor: "c2"}},
	}}
	sink := &memorySink{}

	d := NewDriver(testDriverConfig(), src, &fakeLookup{}, st, sink, discardLogger())
	d.clock = func() time.Time { return testNow }

	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	// One write per page plus the terminal report.
	assert.Equal(t, 3, sink.writes)
	assert.Same(t, summary, sink.last)
	assert.Equal(t, testNow, summary.TimestampUTC)
}
