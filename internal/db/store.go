// Package db persists stations, measurements and per-station watermarks.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/padorange/hubeau/internal/apperr"
	"github.com/padorange/hubeau/internal/config"
	"github.com/padorange/hubeau/internal/models"
)

// ErrNotFound is returned when a station row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the measurement store shared by the sync engine and the read path.
//
// CommitBatch is atomic: the readings and the watermark advance are written in
// one transaction, duplicates are ignored, and the returned count only includes
// rows that were actually inserted. The watermark never moves backward.
type Store interface {
	Watermark(ctx context.Context, station string) (time.Time, bool, error)
	CommitBatch(ctx context.Context, station string, readings []models.Reading) (int, error)
	Range(ctx context.Context, station string, start, end time.Time) ([]models.Measurement, error)
	Latest(ctx context.Context, station string) (models.Measurement, bool, error)
	Count(ctx context.Context, station string) (int, error)

	UpsertStation(ctx context.Context, st models.Station) error
	GetStation(ctx context.Context, code string) (models.Station, error)
	ListStations(ctx context.Context) ([]models.Station, error)

	Close() error
}

// Open connects to the configured backend and applies its schema.
func Open(ctx context.Context, driver, url string) (Store, error) {
	switch driver {
	case "", config.DriverSQLite:
		return OpenSQLite(url)
	case config.DriverPostgres:
		return OpenPostgres(ctx, url)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func storeErr(op, station string, err error) error {
	if err == nil {
		return nil
	}
	e := apperr.New(apperr.KindStore, op, err)
	e.Station = station
	return e
}

// stationLocks serializes writers per station.
type stationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *stationLocks) lock(station string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[station]
	if !ok {
		m = &sync.Mutex{}
		l.locks[station] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
