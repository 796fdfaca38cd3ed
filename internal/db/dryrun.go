package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

// DryRunStore reads through to another store and never writes. CommitBatch
// reports how many rows would have been inserted.
type DryRunStore struct {
	Store

	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]map[int64]struct{}
}

// NewDryRun wraps inner.
func NewDryRun(inner Store, logger *slog.Logger) *DryRunStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunStore{Store: inner, logger: logger, pending: make(map[string]map[int64]struct{})}
}

// Watermark includes the batches the run pretended to commit.
func (d *DryRunStore) Watermark(ctx context.Context, station string) (time.Time, bool, error) {
	wm, ok, err := d.Store.Watermark(ctx, station)
	if err != nil {
		return wm, ok, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for ts := range d.pending[station] {
		t := time.Unix(ts, 0).UTC()
		if !ok || t.After(wm) {
			wm, ok = t, true
		}
	}
	return wm, ok, nil
}

// CommitBatch counts the readings absent from the inner store and from earlier
// dry-run batches.
func (d *DryRunStore) CommitBatch(ctx context.Context, station string, readings []models.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	start, end := readings[0].Timestamp, readings[0].Timestamp
	for _, r := range readings {
		if r.Timestamp.Before(start) {
			start = r.Timestamp
		}
		if r.Timestamp.After(end) {
			end = r.Timestamp
		}
	}
	existing, err := d.Store.Range(ctx, station, start, end)
	if err != nil {
		return 0, err
	}
	stored := make(map[int64]struct{}, len(existing))
	for _, m := range existing {
		stored[m.Timestamp.Unix()] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	seen := d.pending[station]
	if seen == nil {
		seen = make(map[int64]struct{})
		d.pending[station] = seen
	}

	would := 0
	for _, r := range readings {
		key := r.Timestamp.Unix()
		if _, ok := stored[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		would++
	}

	d.logger.Info("dry-run: skipping insert", "station", station, "would_insert", would,
		"latest", utils.FormatTimestamp(utils.MaxReadingTimestamp(readings)))
	return would, nil
}

// UpsertStation logs the refresh and leaves the stations table untouched.
func (d *DryRunStore) UpsertStation(ctx context.Context, st models.Station) error {
	d.logger.Info("dry-run: skipping station upsert", "station", st.Code, "name", st.Name)
	return nil
}
