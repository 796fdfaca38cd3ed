// Package ingest synchronizes the local measurement store with the remote feed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/padorange/hubeau/internal/apperr"
	"github.com/padorange/hubeau/internal/db"
	"github.com/padorange/hubeau/internal/hubeau"
	"github.com/padorange/hubeau/internal/metrics"
	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

// Source fetches one page of measurements.
type Source interface {
	FetchPage(ctx context.Context, station string, since time.Time, pageSize int, cursor string) (models.Page, error)
}

// StationLookup resolves station metadata for the optional refresh step.
type StationLookup interface {
	Lookup(ctx context.Context, code string) (models.Station, error)
}

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	PageSize      int
	MaxPages      int
	InitialWindow time.Duration
	MaxConcurrent int

	// AbortOnAuthError cancels the whole run on the first 401/403.
	AbortOnAuthError bool

	// FailWhenAllFailed makes Run return an error when no station succeeded.
	FailWhenAllFailed bool

	// Stations, when set, refreshes each station's metadata before its sync.
	Stations StationLookup

	Logger  *slog.Logger
	Metrics *metrics.Sync
	Now     func() time.Time
}

const (
	defaultMaxPages      = 1000
	defaultInitialWindow = 30 * 24 * time.Hour
)

// Engine runs fetch-merge-commit cycles. It keeps no state between runs.
type Engine struct {
	source Source
	store  db.Store
	opts   Options
	logger *slog.Logger
}

// New creates an Engine.
func New(source Source, store db.Store, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = hubeau.DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.InitialWindow <= 0 {
		opts.InitialWindow = defaultInitialWindow
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, store: store, opts: opts, logger: logger}
}

// SyncStation brings one station up to date.
//
// Pages are requested from the stored watermark W. Items at or before W, and
// items already seen in this sync, are dropped; what remains is converted to
// meters and committed page by page, each commit advancing the stored
// watermark atomically. Fetching stops when the feed is exhausted, when a page
// brings nothing new and nothing later than what was already seen, or at the
// page cap. Any error ends the sync of this station only; batches committed
// before it stay committed.
//
// Per-page commits are only safe while the feed runs oldest first: once a
// page brings items out of order or older than a committed batch, the rest of
// the traversal is held back and committed oldest first after the last page,
// so a failure part way does not move the watermark past held items. The
// check is per page: a first page that is ascending on its own is committed.
func (e *Engine) SyncStation(ctx context.Context, station string) (res Result) {
	started := e.opts.Now()
	res = Result{Station: station, Status: StatusOK}
	log := e.logger.With("station", station)

	defer func() {
		res.Duration = e.opts.Now().Sub(started)
		e.opts.Metrics.StationDone(station, string(res.Kind), res.Watermark, res.Duration)
	}()

	fail := func(err error) Result {
		if ctx.Err() != nil && apperr.KindOf(err) != apperr.KindCanceled {
			err = apperr.New(apperr.KindCanceled, "sync", fmt.Errorf("%w: %w", context.Cause(ctx), err))
		}
		res.Status = StatusFailed
		res.Kind = apperr.KindOf(err)
		res.Err = apperr.WithStation(err, station)
		if wm, ok := e.durableWatermark(ctx, station); ok {
			res.Watermark = wm
		}
		log.Error("station sync failed", "kind", res.Kind, "pages", res.Pages, "inserted", res.Inserted, "error", res.Err)
		return res
	}

	wm, ok, err := e.store.Watermark(ctx, station)
	if err != nil {
		return fail(err)
	}
	floor := wm
	if ok {
		res.Watermark = wm
	} else {
		floor = started.Add(-e.opts.InitialWindow).UTC().Truncate(time.Second)
	}
	log.Info("station sync started", "watermark", utils.FormatTimePtr(timePtr(wm, ok)), "since", utils.FormatTimestamp(floor))

	seen := make(map[int64]struct{})
	maxSeen := floor
	working := floor
	cursor := ""
	ordered := true
	var held []models.Reading

	for {
		if res.Pages >= e.opts.MaxPages {
			log.Warn("page cap reached, stopping", "max_pages", e.opts.MaxPages)
			res.Capped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return fail(apperr.New(apperr.KindCanceled, "sync", context.Cause(ctx)))
		}

		page, err := e.source.FetchPage(ctx, station, floor, e.opts.PageSize, cursor)
		if err != nil {
			return fail(err)
		}
		res.Pages++
		e.opts.Metrics.Page(station)

		fresh := utils.FilterNewItems(page.Items, floor, seen)
		pageMax := utils.MaxItemTimestamp(page.Items)
		log.Debug("page fetched", "page", res.Pages, "items", len(page.Items), "new", len(fresh), "more", page.HasMore)

		if len(fresh) == 0 && !pageMax.After(maxSeen) {
			break
		}

		if ordered && !ascendingAfter(fresh, working) {
			ordered = false
			log.Warn("feed is not oldest first, holding commits until the last page", "page", res.Pages)
		}

		if len(fresh) > 0 {
			readings := utils.BuildReadings(fresh)
			if ordered {
				if err := e.commit(ctx, station, readings, &res, &working); err != nil {
					return fail(err)
				}
			} else {
				held = append(held, readings...)
			}
		}
		if pageMax.After(maxSeen) {
			maxSeen = pageMax
		}

		if !page.HasMore {
			break
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return fail(apperr.New(apperr.KindData, "sync", errors.New("feed announced more pages without a new cursor")))
		}
		cursor = page.NextCursor
	}

	if len(held) > 0 {
		slices.SortFunc(held, func(a, b models.Reading) int { return a.Timestamp.Compare(b.Timestamp) })
		for chunk := range slices.Chunk(held, e.opts.PageSize) {
			if err := e.commit(ctx, station, chunk, &res, &working); err != nil {
				return fail(err)
			}
		}
	}

	// Every commit already advanced the stored watermark; read it back so the
	// summary reports what is durable rather than what was computed.
	final, ok, err := e.store.Watermark(ctx, station)
	if err != nil {
		return fail(err)
	}
	if ok {
		res.Watermark = final
		if working.After(final) {
			return fail(apperr.New(apperr.KindStore, "sync", fmt.Errorf("stored watermark %s behind committed batch %s",
				utils.FormatTimestamp(final), utils.FormatTimestamp(working))))
		}
	}

	log.Info("station sync finished", "pages", res.Pages, "inserted", res.Inserted, "watermark", utils.FormatTimePtr(timePtr(res.Watermark, ok)))
	return res
}

// commit writes one batch and folds its outcome into res and working.
func (e *Engine) commit(ctx context.Context, station string, readings []models.Reading, res *Result, working *time.Time) error {
	n, err := e.store.CommitBatch(ctx, station, readings)
	if err != nil {
		return err
	}
	res.Inserted += n
	e.opts.Metrics.Inserted(station, n)
	if batchMax := utils.MaxReadingTimestamp(readings); batchMax.After(*working) {
		*working = batchMax
	}
	return nil
}

// durableWatermark reads the stored watermark after a failure. It ignores the
// run's cancellation so a canceled sync still reports what it committed.
func (e *Engine) durableWatermark(ctx context.Context, station string) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	wm, ok, err := e.store.Watermark(ctx, station)
	if err != nil {
		return time.Time{}, false
	}
	return wm, ok
}

// ascendingAfter reports whether items are strictly increasing and all later
// than after.
func ascendingAfter(items []models.Item, after time.Time) bool {
	prev := after
	for _, it := range items {
		if !it.Timestamp.After(prev) {
			return false
		}
		prev = it.Timestamp
	}
	return true
}

// refreshStation replaces the stored metadata of a station. Failures never
// fail the measurement sync.
func (e *Engine) refreshStation(ctx context.Context, station string) {
	st, err := e.opts.Stations.Lookup(ctx, station)
	if err != nil {
		e.logger.Warn("station refresh failed", "station", station, "error", err)
		return
	}
	if err := e.store.UpsertStation(ctx, st); err != nil {
		e.logger.Warn("station refresh not stored", "station", station, "error", err)
		return
	}
	e.logger.Debug("station refreshed", "station", station, "name", st.Name)
}

func timePtr(t time.Time, ok bool) *time.Time {
	if !ok || t.IsZero() {
		return nil
	}
	return &t
}
