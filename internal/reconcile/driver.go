package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkrogh/sheltersync/internal/dawa"
	"github.com/mkrogh/sheltersync/internal/registry"
	"github.com/mkrogh/sheltersync/internal/store"
)

// touchChunkSize bounds one last-seen patch for unchanged records.
const touchChunkSize = 100

// Config is the immutable tuning the driver is constructed with. The
// engine never reads ambient process state.
type Config struct {
	PageSize          int
	BatchSize         int
	RefreshHorizon    time.Duration
	SafeThreshold     int
	MinDeleteCoverage float64
	PageDelay         time.Duration
	LogPageInterval   int
}

// PageSource fetches one page of upstream buildings. An empty cursor
// starts the sequence.
type PageSource interface {
	FetchPage(ctx context.Context, cursor string, pageSize int) (*registry.Page, error)
}

// AddressLookup resolves an access-address id to enrichment data.
// A (nil, nil) return is a miss.
type AddressLookup interface {
	Lookup(ctx context.Context, accessAddressID string) (*dawa.Address, error)
}

// Driver orchestrates one scan: cursor-paginated retrieval,
// classification, enrichment, batched writes, checkpointing after every
// page, and the guarded deletion phase on clean completion.
type Driver struct {
	cfg     Config
	source  PageSource
	lookup  AddressLookup
	store   store.Store
	sink    SummaryWriter
	logger  *slog.Logger
	limiter *rate.Limiter

	// clock is overridable in tests.
	clock func() time.Time
}

// NewDriver creates a scan driver.
func NewDriver(cfg Config, source PageSource, lookup AddressLookup, st store.Store, sink SummaryWriter, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.PageDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.PageDelay), 1)
	}

	return &Driver{
		cfg:     cfg,
		source:  source,
		lookup:  lookup,
		store:   st,
		sink:    sink,
		logger:  logger,
		limiter: limiter,
		clock:   time.Now,
	}
}

// scanState carries the per-run mutable state through the page loop.
type scanState struct {
	snap      Snapshot
	seen      map[string]struct{}
	unchanged []string
	runTS     time.Time
	summary   *Summary
	batcher   *Batcher
	cursor    string
	completed bool
}

// Run executes one full scan. It returns the run summary together with
// an error when the scan aborted (snapshot unavailable, query fault, or
// retry exhaustion); an aborted scan leaves the cursor at the last
// committed page so the next run resumes without a gap.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	st := &scanState{
		seen:    make(map[string]struct{}),
		runTS:   d.clock().UTC(),
		summary: NewSummary(),
		batcher: NewBatcher(d.store, d.cfg.BatchSize, d.logger),
	}

	st.cursor = d.loadCursor(ctx)

	snap, err := LoadSnapshot(ctx, d.store, d.logger)
	if err != nil {
		return st.summary, err
	}

	st.snap = snap
	st.summary.ActiveExisting = snap.ActiveCount()

	scanErr := d.scanPages(ctx, st)

	// Whatever happened, the queued remainder is flushed: every row in
	// it belongs to a fully processed page whose cursor is committed.
	st.batcher.Flush(ctx)

	clean := st.completed && st.summary.SourceErrorCount == 0

	if clean {
		d.touchUnchanged(ctx, st)
	}

	d.runDeletionPhase(ctx, st, clean)

	d.finalize(st)

	if scanErr != nil {
		return st.summary, scanErr
	}

	return st.summary, nil
}

// loadCursor retrieves the resume point. Any failure degrades to a
// fresh scan from the start of the sequence, never a fatal error.
func (d *Driver) loadCursor(ctx context.Context) string {
	state, err := d.store.LoadSyncState(ctx)
	if err != nil {
		d.logger.Warn("failed to load saved cursor, starting from the beginning",
			slog.String("error", err.Error()),
		)

		return ""
	}

	if state.Cursor != "" {
		d.logger.Info("resuming scan from saved cursor",
			slog.String("cursor_prefix", cursorPrefix(state.Cursor)),
		)
	}

	return state.Cursor
}

// scanPages drives the page state machine: fetch, classify and queue,
// persist cursor, repeat until the source reports no next page.
func (d *Driver) scanPages(ctx context.Context, st *scanState) error {
	for {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("reconcile: scan canceled: %w", err)
			}
		}

		page, err := d.source.FetchPage(ctx, st.cursor, d.cfg.PageSize)
		if err != nil {
			st.summary.SourceErrorCount++
			st.summary.HadSourceErrors = true
			d.logAbort(st, err)

			return fmt.Errorf("reconcile: scan aborted at page %d: %w", st.summary.Pages+1, err)
		}

		st.summary.Pages++
		d.processPage(ctx, st, page)

		// The cursor is committed only after the page is fully
		// classified and queued, so a crash reprocesses at most the
		// page in flight.
		st.cursor = page.EndCursor
		d.saveCursor(ctx, st.cursor)

		st.summary.SeenIDs = len(st.seen)
		st.summary.TimestampUTC = d.clock().UTC()
		d.sink.Write(st.summary)

		if d.shouldLogProgress(st.summary.Pages) || !page.HasNext {
			d.logger.Info("page complete",
				slog.Int("page", st.summary.Pages),
				slog.Int("records", len(page.Buildings)),
				slog.Int("seen", len(st.seen)),
				slog.Bool("has_next", page.HasNext),
			)
		}

		if !page.HasNext {
			st.completed = true
			d.saveCursor(ctx, "")

			return nil
		}
	}
}

// processPage classifies and queues every record on one page.
func (d *Driver) processPage(ctx context.Context, st *scanState, page *registry.Page) {
	now := d.clock().UTC()

	for i := range page.Buildings {
		b := page.Buildings[i]

		dec := Classify(b, st.snap, now, d.cfg.RefreshHorizon)
		st.summary.count(dec.Class)

		if dec.Class == ClassDiscarded {
			continue
		}

		st.seen[b.ID] = struct{}{}

		if dec.Class == ClassUnchanged {
			st.unchanged = append(st.unchanged, b.ID)
			continue
		}

		row := d.buildRow(ctx, st, b, dec)

		if dec.NeedsEnrichment {
			st.batcher.AddFull(ctx, row)
		} else {
			st.batcher.AddCore(ctx, row)
		}
	}
}

// buildRow assembles the write for one classified record: the core
// fields always, enrichment fields when the decision asks for them.
func (d *Driver) buildRow(ctx context.Context, st *scanState, b registry.Building, dec Decision) store.Row {
	row := store.Row{
		store.ColBuildingID:       b.ID,
		store.ColCapacity:         dec.Capacity,
		store.ColUsageCode:        nullable(b.UsageCode),
		store.ColMunicipalityCode: nullable(b.MunicipalityCode),
		store.ColLastChecked:      formatTS(st.runTS),
		store.ColLastSeenAt:       formatTS(st.runTS),
	}

	if dec.ClearDeleted {
		row[store.ColDeleted] = nil
	}

	if !dec.NeedsEnrichment {
		return row
	}

	row[store.ColLastAddressChecked] = formatTS(st.runTS)

	addr := d.enrich(ctx, b.AccessAddressID)
	if addr == nil || addr.Location == nil {
		st.summary.MissingLocation++
	}

	if addr == nil {
		return row
	}

	// Only fields the lookup actually produced are written; merge
	// upserts keep any previously stored value for the rest.
	setIfPresent(row, store.ColAddress, addr.Text)
	setIfPresent(row, store.ColStreetName, addr.StreetName)
	setIfPresent(row, store.ColHouseNumber, addr.HouseNumber)
	setIfPresent(row, store.ColPostalCode, addr.PostalCode)

	if addr.Location != nil {
		row[store.ColLocation] = addr.Location
	}

	return row
}

// enrich performs the best-effort address lookup. Failures are logged
// and swallowed: the record is written without enrichment this pass.
func (d *Driver) enrich(ctx context.Context, accessAddressID string) *dawa.Address {
	addr, err := d.lookup.Lookup(ctx, accessAddressID)
	if err != nil {
		d.logger.Warn("address lookup failed, writing without enrichment",
			slog.String("access_address_id", accessAddressID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return addr
}

// touchUnchanged patches last_seen_at for unchanged records in bounded
// chunks after a clean scan.
func (d *Driver) touchUnchanged(ctx context.Context, st *scanState) {
	for start := 0; start < len(st.unchanged); start += touchChunkSize {
		end := start + touchChunkSize
		if end > len(st.unchanged) {
			end = len(st.unchanged)
		}

		chunk := st.unchanged[start:end]
		if err := d.store.TouchLastSeen(ctx, chunk, st.runTS); err != nil {
			d.logger.Error("last-seen touch failed",
				slog.Int("chunk_size", len(chunk)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runDeletionPhase applies the deletion guard. Deletion runs only on a
// clean scan whose seen set is large enough to trust; any other outcome
// records a skip reason instead.
func (d *Driver) runDeletionPhase(ctx context.Context, st *scanState, clean bool) {
	st.summary.MinSeenRequired = minSeenRequired(
		st.summary.ActiveExisting, d.cfg.SafeThreshold, d.cfg.MinDeleteCoverage)

	switch {
	case !st.completed:
		st.summary.DeletionSkipReason = SkipScanIncomplete
		d.logger.Warn("skipping deletion phase: scan did not complete")
	case st.summary.SourceErrorCount > 0:
		st.summary.DeletionSkipReason = SkipSourceErrors
		d.logger.Warn("skipping deletion phase: source errors during scan")
	case len(st.seen) < st.summary.MinSeenRequired:
		st.summary.DeletionSkipReason = SkipInsufficientCoverage
		d.logger.Warn("skipping deletion phase: too few records observed",
			slog.Int("seen", len(st.seen)),
			slog.Int("min_required", st.summary.MinSeenRequired),
		)
	case clean:
		st.summary.Deleted = applyDeletions(ctx, d.store, st.snap, st.seen, st.runTS, d.logger)
	}
}

// finalize stamps the summary and writes the terminal report.
func (d *Driver) finalize(st *scanState) {
	st.summary.SeenIDs = len(st.seen)
	st.summary.Completed = st.completed
	st.summary.UnrecoverableRows = st.batcher.Unrecoverable()
	st.summary.TimestampUTC = d.clock().UTC()
	d.sink.Write(st.summary)

	d.logger.Info("scan finished",
		slog.Bool("completed", st.completed),
		slog.Int("pages", st.summary.Pages),
		slog.Int("new", st.summary.New),
		slog.Int("updated", st.summary.Updated),
		slog.Int("restored", st.summary.Restored),
		slog.Int("address_refreshed", st.summary.AddressRefreshed),
		slog.Int("unchanged", st.summary.Unchanged),
		slog.Int("deleted", st.summary.Deleted),
		slog.Int("missing_location", st.summary.MissingLocation),
	)
}

// saveCursor persists the checkpoint. Failure is logged, not fatal: the
// worst case is reprocessing already-committed pages after a crash, and
// every write is an idempotent upsert.
func (d *Driver) saveCursor(ctx context.Context, cursor string) {
	err := d.store.SaveSyncState(ctx, store.SyncState{
		Cursor:  cursor,
		LastRun: d.clock().UTC(),
	})
	if err != nil {
		d.logger.Warn("failed to save cursor", slog.String("error", err.Error()))
	}
}

// logAbort distinguishes the two terminal source failures for the log.
func (d *Driver) logAbort(st *scanState, err error) {
	switch {
	case errors.Is(err, registry.ErrQueryFault):
		d.logger.Error("source reported a query fault, aborting scan",
			slog.String("error", err.Error()),
		)
	case errors.Is(err, registry.ErrExhausted):
		d.logger.Error("source retries exhausted, scan is resumable from saved cursor",
			slog.String("cursor_prefix", cursorPrefix(st.cursor)),
			slog.String("error", err.Error()),
		)
	default:
		d.logger.Error("page fetch failed, aborting scan", slog.String("error", err.Error()))
	}
}

// shouldLogProgress rate-limits per-page log lines.
func (d *Driver) shouldLogProgress(page int) bool {
	if d.cfg.LogPageInterval <= 0 {
		return true
	}

	return page == 1 || page%d.cfg.LogPageInterval == 0
}

// setIfPresent writes a column only when the lookup produced a value.
func setIfPresent(row store.Row, col, val string) {
	if val != "" {
		row[col] = val
	}
}

// nullable maps an empty string to an explicit NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// formatTS renders a row timestamp.
func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// cursorPrefix truncates a cursor for logging; full tokens are long and
// carry no information for a human.
func cursorPrefix(cursor string) string {
	const n = 12
	if len(cursor) <= n {
		return cursor
	}

	return cursor[:n] + "..."
}
