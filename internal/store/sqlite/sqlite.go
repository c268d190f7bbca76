// Package sqlite implements the record store on an embedded SQLite
// database. It backs local runs and integration-style tests where no
// Supabase project is available; the schema mirrors the hosted table.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/mkrogh/sheltersync/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timestampFormat is how timestamps are stored in TEXT columns.
const timestampFormat = time.RFC3339

// snapshotColumns is the projection ListPage reads, in scan order.
var snapshotColumns = []string{
	"id",
	store.ColBuildingID,
	store.ColCapacity,
	store.ColUsageCode,
	store.ColMunicipalityCode,
	store.ColLocation,
	store.ColDeleted,
	store.ColLastChecked,
	store.ColLastSeenAt,
	store.ColLastAddressChecked,
}

// Store is the SQLite-backed record store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for tests.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening local shelter database", slog.String("path", path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	return nil
}

// runMigrations applies embedded schema migrations with the goose v3
// provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("sqlite: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// ListPage reads one page of records ordered by internal id.
func (s *Store) ListPage(ctx context.Context, offset, limit int) ([]store.Record, error) {
	query, args, err := sq.Select(snapshotColumns...).
		From("shelters").
		OrderBy("id ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: building page query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing page at offset %d: %w", offset, err)
	}
	defer rows.Close()

	var records []store.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating page: %w", err)
	}

	return records, nil
}

// Upsert inserts-or-merges each row keyed by bygning_id inside one
// transaction. Rows carry heterogeneous column sets (full, core-only,
// rescue), so each row builds its own statement.
func (s *Store) Upsert(ctx context.Context, rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning upsert tx: %w", err)
	}

	for _, row := range rows {
		if err := upsertOne(ctx, tx, row); err != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("sqlite: upserting %s: %w (rollback: %v)", row.BuildingID(), err, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing upsert: %w", err)
	}

	return nil
}

// upsertOne executes a single insert-or-merge for one row.
func upsertOne(ctx context.Context, tx *sql.Tx, row store.Row) error {
	if row.BuildingID() == "" {
		return fmt.Errorf("row has no %s", store.ColBuildingID)
	}

	// Deterministic column order keeps statements cacheable and logs stable.
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}

	sort.Strings(cols)

	vals := make([]any, 0, len(cols))
	conflictSet := ""

	for _, col := range cols {
		vals = append(vals, toColumnValue(row[col]))

		if col == store.ColBuildingID {
			continue
		}

		if conflictSet != "" {
			conflictSet += ", "
		}

		conflictSet += col + " = excluded." + col
	}

	builder := sq.Insert("shelters").Columns(cols...).Values(vals...)
	if conflictSet != "" {
		builder = builder.Suffix("ON CONFLICT(" + store.ColBuildingID + ") DO UPDATE SET " + conflictSet)
	} else {
		builder = builder.Suffix("ON CONFLICT(" + store.ColBuildingID + ") DO NOTHING")
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	return nil
}

// TouchLastSeen patches last_seen_at for the given external ids.
func (s *Store) TouchLastSeen(ctx context.Context, buildingIDs []string, ts time.Time) error {
	if len(buildingIDs) == 0 {
		return nil
	}

	query, args, err := sq.Update("shelters").
		Set(store.ColLastSeenAt, ts.UTC().Format(timestampFormat)).
		Where(sq.Eq{store.ColBuildingID: buildingIDs}).
		ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: building last-seen patch: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: last-seen touch of %d ids: %w", len(buildingIDs), err)
	}

	return nil
}

// SoftDelete stamps the deleted marker on the given internal ids.
func (s *Store) SoftDelete(ctx context.Context, internalIDs []int64, ts time.Time) error {
	if len(internalIDs) == 0 {
		return nil
	}

	query, args, err := sq.Update("shelters").
		Set(store.ColDeleted, ts.UTC().Format(timestampFormat)).
		Where(sq.Eq{"id": internalIDs}).
		ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: building soft delete: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: soft delete of %d ids: %w", len(internalIDs), err)
	}

	return nil
}

// LoadSyncState retrieves the persisted scan checkpoint.
func (s *Store) LoadSyncState(ctx context.Context) (store.SyncState, error) {
	var cursor, lastRun sql.NullString

	err := s.db.QueryRowContext(ctx,
		"SELECT cursor, last_run FROM sync_state WHERE id = 1",
	).Scan(&cursor, &lastRun)
	if err != nil {
		return store.SyncState{}, fmt.Errorf("sqlite: loading sync state: %w", err)
	}

	state := store.SyncState{Cursor: cursor.String}

	if lastRun.Valid {
		if t, err := time.Parse(timestampFormat, lastRun.String); err == nil {
			state.LastRun = t
		}
	}

	return state, nil
}

// SaveSyncState persists the scan checkpoint. An empty cursor is stored
// as NULL, marking natural completion.
func (s *Store) SaveSyncState(ctx context.Context, state store.SyncState) error {
	var cursor any
	if state.Cursor != "" {
		cursor = state.Cursor
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_state SET cursor = ?, last_run = ? WHERE id = 1",
		cursor, state.LastRun.UTC().Format(timestampFormat),
	)
	if err != nil {
		return fmt.Errorf("sqlite: saving sync state: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// toColumnValue maps engine row values to SQLite column values.
// Points are stored as GeoJSON text so that records round-trip with
// the hosted schema.
func toColumnValue(v any) any {
	switch p := v.(type) {
	case *store.Point:
		if p == nil {
			return nil
		}

		return pointJSON(*p)
	case store.Point:
		return pointJSON(p)
	default:
		return v
	}
}

func pointJSON(p store.Point) any {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}

	return string(data)
}

// scanRecord scans one projected row.
func scanRecord(rows *sql.Rows) (store.Record, error) {
	var (
		rec                   store.Record
		capacity              sql.NullInt64
		usage, muni, location sql.NullString
		deleted, lastChecked  sql.NullString
		lastSeen, lastAddress sql.NullString
	)

	err := rows.Scan(
		&rec.ID, &rec.BuildingID, &capacity, &usage, &muni,
		&location, &deleted, &lastChecked, &lastSeen, &lastAddress,
	)
	if err != nil {
		return store.Record{}, fmt.Errorf("sqlite: scanning record: %w", err)
	}

	if capacity.Valid {
		c := int(capacity.Int64)
		rec.Capacity = &c
	}

	if usage.Valid {
		rec.UsageCode = &usage.String
	}

	if muni.Valid {
		rec.MunicipalityCode = &muni.String
	}

	if location.Valid && location.String != "" {
		rec.HasLocation = true

		var p store.Point
		if err := json.Unmarshal([]byte(location.String), &p); err == nil {
			rec.Location = &p
		}
	}

	rec.Deleted = parseNullTimestamp(deleted)
	rec.LastChecked = parseNullTimestamp(lastChecked)
	rec.LastSeenAt = parseNullTimestamp(lastSeen)
	rec.LastAddressChecked = parseNullTimestamp(lastAddress)

	return rec, nil
}

// parseNullTimestamp maps a nullable TEXT timestamp to a nullable time.
// A non-null unparseable value maps to the zero time so presence (the
// deleted marker) survives bad data.
func parseNullTimestamp(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}

	t, err := time.Parse(timestampFormat, ns.String)
	if err != nil {
		t = time.Time{}
	}

	return &t
}
