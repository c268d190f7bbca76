// Package store defines the record store boundary for sheltersync.
// The engine talks to an abstract Store; concrete backends live in the
// rest (Supabase PostgREST) and sqlite subpackages.
package store

import (
	"context"
	"time"
)

// Column names shared by both backends. The REST backend uses them as
// JSON keys, the SQLite backend as column identifiers, so partial writes
// built by the engine work unchanged against either.
const (
	ColBuildingID         = "bygning_id"
	ColCapacity           = "shelter_capacity"
	ColUsageCode          = "anvendelse"
	ColMunicipalityCode   = "kommunekode"
	ColAddress            = "address"
	ColStreetName         = "vejnavn"
	ColHouseNumber        = "husnummer"
	ColPostalCode         = "postnummer"
	ColLocation           = "location"
	ColDeleted            = "deleted"
	ColLastChecked        = "last_checked"
	ColLastSeenAt         = "last_seen_at"
	ColLastAddressChecked = "last_address_checked"
)

// Point is a WGS84 coordinate pair. Marshals to/from GeoJSON with
// coordinates in (longitude, latitude) order.
type Point struct {
	Lon float64
	Lat float64
}

// Row is a partial shelter write keyed by column name. The engine builds
// rows with exactly the fields each classification requires; a nil value
// is an explicit NULL (used by rescue writes to clear bad references).
type Row map[string]any

// BuildingID returns the external id of the row, or "" if absent.
func (r Row) BuildingID() string {
	id, _ := r[ColBuildingID].(string)
	return id
}

// Record is one persisted shelter as read back from a backend.
// Pointer fields are nullable columns.
type Record struct {
	ID               int64
	BuildingID       string
	Capacity         *int
	UsageCode        *string
	MunicipalityCode *string
	Location         *Point

	// HasLocation reports a non-null location column even when the
	// stored geometry could not be parsed into a Point.
	HasLocation bool

	Deleted            *time.Time
	LastChecked        *time.Time
	LastSeenAt         *time.Time
	LastAddressChecked *time.Time
}

// SyncState is the single persisted scan checkpoint. An empty Cursor
// means the next scan starts from the beginning of the sequence.
type SyncState struct {
	Cursor  string
	LastRun time.Time
}

// Store is the record store contract the reconciliation engine depends
// on. All mutation is idempotent: upsert by external id or patch by
// internal id.
type Store interface {
	// ListPage reads one page of records ordered by internal id,
	// projected to the fields Record carries. Returns fewer than limit
	// records (possibly zero) on the final page.
	ListPage(ctx context.Context, offset, limit int) ([]Record, error)

	// Upsert inserts-or-merges the given rows keyed by external id.
	Upsert(ctx context.Context, rows []Row) error

	// TouchLastSeen patches last_seen_at for the given external ids.
	TouchLastSeen(ctx context.Context, buildingIDs []string, ts time.Time) error

	// SoftDelete stamps the deleted marker on the given internal ids.
	SoftDelete(ctx context.Context, internalIDs []int64, ts time.Time) error

	// LoadSyncState retrieves the persisted scan checkpoint.
	LoadSyncState(ctx context.Context) (SyncState, error)

	// SaveSyncState persists the scan checkpoint. An empty cursor
	// records natural completion.
	SaveSyncState(ctx context.Context, state SyncState) error

	Close() error
}
