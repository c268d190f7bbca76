package reconcile

import (
	"strconv"
	"time"

	"github.com/mkrogh/sheltersync/internal/registry"
)

// Class is the classification assigned to one upstream observation.
type Class string

// Classifications, in decision order.
const (
	// ClassDiscarded marks records with a non-positive or non-numeric
	// capacity. They never reach the seen set or any write queue.
	ClassDiscarded Class = "discarded"

	ClassNew            Class = "new"
	ClassRestored       Class = "restored"
	ClassUpdated        Class = "updated"
	ClassAddressRefresh Class = "address_refresh"
	ClassUnchanged      Class = "unchanged"
)

// Decision is the classifier's output for one upstream record.
type Decision struct {
	Class Class

	// Capacity is the parsed shelter capacity. Zero for ClassDiscarded.
	Capacity int

	// NeedsEnrichment requests an address lookup before the write.
	NeedsEnrichment bool

	// ClearDeleted schedules clearing of the soft-delete marker.
	ClearDeleted bool
}

// Classify compares one upstream building against the snapshot baseline.
// It is pure: identical inputs always produce the identical decision,
// and it performs no I/O — enrichment itself is the driver's job.
//
// Decision order: discard invalid capacity; unknown id is new; a
// soft-deleted match is restored; a core-field difference is an update;
// missing or stale address data forces a refresh; otherwise unchanged.
func Classify(b registry.Building, snap Snapshot, now time.Time, horizon time.Duration) Decision {
	capacity, err := strconv.Atoi(b.CapacityRaw)
	if err != nil || capacity <= 0 {
		return Decision{Class: ClassDiscarded}
	}

	entry, known := snap[b.ID]
	if !known {
		return Decision{Class: ClassNew, Capacity: capacity, NeedsEnrichment: true}
	}

	if entry.Deleted {
		return Decision{
			Class:           ClassRestored,
			Capacity:        capacity,
			NeedsEnrichment: true,
			ClearDeleted:    true,
		}
	}

	if coreFieldsChanged(&entry, b, capacity) {
		return Decision{Class: ClassUpdated, Capacity: capacity}
	}

	if !entry.HasLocation || addressStale(&entry, now, horizon) {
		return Decision{Class: ClassAddressRefresh, Capacity: capacity, NeedsEnrichment: true}
	}

	return Decision{Class: ClassUnchanged, Capacity: capacity}
}

// coreFieldsChanged reports whether capacity, usage code, or
// municipality code differ from the snapshot values.
func coreFieldsChanged(entry *SnapshotEntry, b registry.Building, capacity int) bool {
	if entry.Capacity == nil || *entry.Capacity != capacity {
		return true
	}

	return entry.UsageCode != b.UsageCode || entry.MunicipalityCode != b.MunicipalityCode
}

// addressStale reports whether the record's enrichment is older than the
// refresh horizon. last_address_checked is preferred; last_checked is
// the fallback for legacy rows that predate the column. No timestamp at
// all means infinitely stale.
func addressStale(entry *SnapshotEntry, now time.Time, horizon time.Duration) bool {
	ts := entry.LastAddressChecked
	if ts == nil {
		ts = entry.LastChecked
	}

	if ts == nil {
		return true
	}

	return now.Sub(*ts) > horizon
}
