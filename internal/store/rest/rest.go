// Package rest implements the record store against the Supabase
// PostgREST API: Range-header paging for reads, on_conflict upserts
// keyed by the external building id, and filtered patches for the
// last-seen touch and soft deletes.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mkrogh/sheltersync/internal/store"
)

const (
	sheltersTable  = "sheltersv2"
	syncStateTable = "sync_state"

	// snapshotSelect projects exactly the fields the engine diffs on.
	snapshotSelect = "id,bygning_id,shelter_capacity,deleted,last_checked," +
		"last_address_checked,location,anvendelse,kommunekode"

	// syncStateSlot is the single logical checkpoint row.
	syncStateSlot = "1"
)

// Store is the PostgREST-backed record store.
type Store struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a PostgREST store client. baseURL is the Supabase project
// URL without the /rest/v1 suffix.
func New(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// restRecord is the wire form of a projected shelter row. Timestamps
// arrive as ISO strings in whatever precision Postgres stored; the
// location column may hold geometry this client cannot parse, so it is
// captured raw and presence-checked.
type restRecord struct {
	ID                 int64           `json:"id"`
	BuildingID         string          `json:"bygning_id"`
	Capacity           *int            `json:"shelter_capacity"`
	UsageCode          *string         `json:"anvendelse"`
	MunicipalityCode   *string         `json:"kommunekode"`
	Location           json.RawMessage `json:"location"`
	Deleted            *string         `json:"deleted"`
	LastChecked        *string         `json:"last_checked"`
	LastSeenAt         *string         `json:"last_seen_at"`
	LastAddressChecked *string         `json:"last_address_checked"`
}

// ListPage reads one page of projected records ordered by internal id.
func (s *Store) ListPage(ctx context.Context, offset, limit int) ([]store.Record, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?select=%s&order=id.asc",
		s.baseURL, sheltersTable, snapshotSelect)

	headers := http.Header{
		"Range": {fmt.Sprintf("%d-%d", offset, offset+limit-1)},
	}

	body, err := s.do(ctx, http.MethodGet, endpoint, nil, headers)
	if err != nil {
		return nil, err
	}

	var rows []restRecord
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("rest: decoding page at offset %d: %w", offset, err)
	}

	records := make([]store.Record, 0, len(rows))
	for i := range rows {
		records = append(records, toRecord(&rows[i]))
	}

	return records, nil
}

// Upsert inserts-or-merges rows keyed by bygning_id. PostgREST resolves
// the conflict server-side; merge-duplicates keeps columns absent from
// the payload untouched.
func (s *Store) Upsert(ctx context.Context, rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("rest: encoding upsert: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rest/v1/%s?on_conflict=%s",
		s.baseURL, sheltersTable, store.ColBuildingID)

	headers := http.Header{
		"Prefer": {"resolution=merge-duplicates"},
	}

	if _, err := s.do(ctx, http.MethodPost, endpoint, payload, headers); err != nil {
		return fmt.Errorf("rest: upsert of %d rows: %w", len(rows), err)
	}

	return nil
}

// TouchLastSeen patches last_seen_at for the given external ids.
func (s *Store) TouchLastSeen(ctx context.Context, buildingIDs []string, ts time.Time) error {
	if len(buildingIDs) == 0 {
		return nil
	}

	quoted := make([]string, 0, len(buildingIDs))
	for _, id := range buildingIDs {
		quoted = append(quoted, `"`+id+`"`)
	}

	filter := url.QueryEscape("in.(" + strings.Join(quoted, ",") + ")")
	endpoint := fmt.Sprintf("%s/rest/v1/%s?%s=%s",
		s.baseURL, sheltersTable, store.ColBuildingID, filter)

	payload, err := json.Marshal(map[string]any{
		store.ColLastSeenAt: formatTimestamp(ts),
	})
	if err != nil {
		return fmt.Errorf("rest: encoding last-seen patch: %w", err)
	}

	if _, err := s.do(ctx, http.MethodPatch, endpoint, payload, nil); err != nil {
		return fmt.Errorf("rest: last-seen touch of %d ids: %w", len(buildingIDs), err)
	}

	return nil
}

// SoftDelete stamps the deleted marker on the given internal ids.
func (s *Store) SoftDelete(ctx context.Context, internalIDs []int64, ts time.Time) error {
	if len(internalIDs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(internalIDs))
	for _, id := range internalIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	filter := url.QueryEscape("in.(" + strings.Join(ids, ",") + ")")
	endpoint := fmt.Sprintf("%s/rest/v1/%s?id=%s", s.baseURL, sheltersTable, filter)

	payload, err := json.Marshal(map[string]any{
		store.ColDeleted: formatTimestamp(ts),
	})
	if err != nil {
		return fmt.Errorf("rest: encoding soft delete: %w", err)
	}

	if _, err := s.do(ctx, http.MethodPatch, endpoint, payload, nil); err != nil {
		return fmt.Errorf("rest: soft delete of %d ids: %w", len(internalIDs), err)
	}

	return nil
}

// syncStateRow is the wire form of the checkpoint slot.
type syncStateRow struct {
	Cursor  *string `json:"cursor"`
	LastRun *string `json:"last_run"`
}

// LoadSyncState retrieves the persisted scan checkpoint.
func (s *Store) LoadSyncState(ctx context.Context) (store.SyncState, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?id=eq.%s&select=cursor,last_run",
		s.baseURL, syncStateTable, syncStateSlot)

	body, err := s.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return store.SyncState{}, err
	}

	var rows []syncStateRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return store.SyncState{}, fmt.Errorf("rest: decoding sync state: %w", err)
	}

	if len(rows) == 0 {
		return store.SyncState{}, nil
	}

	state := store.SyncState{}
	if rows[0].Cursor != nil {
		state.Cursor = *rows[0].Cursor
	}

	if rows[0].LastRun != nil {
		if ts, ok := parseTimestamp(*rows[0].LastRun); ok {
			state.LastRun = ts
		}
	}

	return state, nil
}

// SaveSyncState persists the scan checkpoint. An empty cursor is stored
// as NULL, marking natural completion.
func (s *Store) SaveSyncState(ctx context.Context, state store.SyncState) error {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?id=eq.%s", s.baseURL, syncStateTable, syncStateSlot)

	var cursor any
	if state.Cursor != "" {
		cursor = state.Cursor
	}

	payload, err := json.Marshal(map[string]any{
		"cursor":   cursor,
		"last_run": formatTimestamp(state.LastRun),
	})
	if err != nil {
		return fmt.Errorf("rest: encoding sync state: %w", err)
	}

	if _, err := s.do(ctx, http.MethodPatch, endpoint, payload, nil); err != nil {
		return fmt.Errorf("rest: saving sync state: %w", err)
	}

	return nil
}

// Close is a no-op; the store holds no connection state of its own.
func (s *Store) Close() error { return nil }

// do executes one request with the standing Supabase headers and returns
// the response body. No retry layer here: the engine owns retry policy
// per operation (snapshot retries, batcher fallback).
func (s *Store) do(ctx context.Context, method, endpoint string, payload []byte, headers http.Header) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("rest: creating request: %w", err)
	}

	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rest: reading response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		excerpt := string(body)
		if len(excerpt) > 512 {
			excerpt = excerpt[:512]
		}

		return nil, fmt.Errorf("rest: %s %s: HTTP %d: %s", method, endpoint, resp.StatusCode, excerpt)
	}

	return body, nil
}

// toRecord converts a wire row to the backend-neutral record.
func toRecord(r *restRecord) store.Record {
	rec := store.Record{
		ID:               r.ID,
		BuildingID:       r.BuildingID,
		Capacity:         r.Capacity,
		UsageCode:        r.UsageCode,
		MunicipalityCode: r.MunicipalityCode,
	}

	if len(r.Location) > 0 && string(r.Location) != "null" {
		rec.HasLocation = true

		var p store.Point
		if err := json.Unmarshal(r.Location, &p); err == nil {
			rec.Location = &p
		}
	}

	// For the deleted marker presence is what matters: an unparseable
	// non-null value must still read as soft-deleted.
	if r.Deleted != nil {
		t, _ := parseTimestamp(*r.Deleted)
		rec.Deleted = &t
	}

	rec.LastChecked = parseOptionalTimestamp(r.LastChecked)
	rec.LastSeenAt = parseOptionalTimestamp(r.LastSeenAt)
	rec.LastAddressChecked = parseOptionalTimestamp(r.LastAddressChecked)

	return rec
}

// formatTimestamp renders a timestamp the way the job has always written
// them: UTC, whole seconds.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTimestamp accepts the timestamp shapes Postgres emits. Fractional
// seconds and offsets vary by column history, so after RFC 3339 fails the
// first 19 characters are parsed as a bare ISO timestamp.
func parseTimestamp(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}

	const bareISO = "2006-01-02T15:04:05"
	if len(s) >= len(bareISO) {
		if t, err := time.Parse(bareISO, s[:len(bareISO)]); err == nil {
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

// parseOptionalTimestamp maps a nullable or unparseable wire timestamp
// to a nullable time. An unparseable value comes back nil, which the
// classifier treats as infinitely stale.
func parseOptionalTimestamp(s *string) *time.Time {
	if s == nil {
		return nil
	}

	t, ok := parseTimestamp(*s)
	if !ok {
		return nil
	}

	return &t
}
