// Package query is the read-only view over stored water heights used by the
// CLI reports and the HTTP API.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/padorange/hubeau/internal/db"
	"github.com/padorange/hubeau/internal/models"
)

var (
	// ErrNoData is returned when a station has no measurement in the requested window.
	ErrNoData = errors.New("no data")

	// ErrInvertedRange is returned when a range ends before it starts.
	ErrInvertedRange = errors.New("range end before start")
)

// Unit is a display unit for heights.
type Unit string

const (
	Meters      Unit = "m"
	Centimeters Unit = "cm"
	Millimeters Unit = "mm"
)

// ParseUnit accepts m, cm or mm. An empty string means meters.
func ParseUnit(s string) (Unit, error) {
	switch Unit(strings.ToLower(strings.TrimSpace(s))) {
	case "", Meters:
		return Meters, nil
	case Centimeters:
		return Centimeters, nil
	case Millimeters:
		return Millimeters, nil
	}
	return "", fmt.Errorf("unknown unit %q (want m, cm or mm)", s)
}

// FromMeters converts a stored height to u.
func (u Unit) FromMeters(v float64) float64 {
	switch u {
	case Centimeters:
		return round(v*100, 6)
	case Millimeters:
		return round(v*1000, 6)
	}
	return v
}

func round(v float64, digits int) float64 {
	p := math.Pow10(digits)
	return math.Round(v*p) / p
}

// Point is one height expressed in a display unit.
type Point struct {
	Timestamp time.Time `json:"ts"`
	Value     float64   `json:"value"`
}

// Series is a station's heights over a window.
type Series struct {
	Station string    `json:"station"`
	Unit    Unit      `json:"unit"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Points  []Point   `json:"points"`
}

// Facade answers read queries. It never writes to the store.
type Facade struct {
	store     db.Store
	retention time.Duration
	now       func() time.Time
}

// New creates a Facade. retention is the window used when a query has no bounds.
func New(store db.Store, retention time.Duration) *Facade {
	if retention <= 0 {
		retention = 10 * 24 * time.Hour
	}
	return &Facade{store: store, retention: retention, now: time.Now}
}

// Range returns the heights with start <= ts <= end, ascending. A zero end means
// now and a zero start means end minus the retention window.
func (f *Facade) Range(ctx context.Context, station string, start, end time.Time, unit Unit) (Series, error) {
	if end.IsZero() {
		end = f.now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-f.retention)
	}
	if end.Before(start) {
		return Series{}, fmt.Errorf("%w: %s < %s", ErrInvertedRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if unit == "" {
		unit = Meters
	}

	rows, err := f.store.Range(ctx, station, start, end)
	if err != nil {
		return Series{}, err
	}
	return Series{Station: station, Unit: unit, Start: start.UTC(), End: end.UTC(), Points: toPoints(rows, unit)}, nil
}

// LastDays returns the heights of the last days days. days <= 0 uses the retention window.
func (f *Facade) LastDays(ctx context.Context, station string, days int, unit Unit) (Series, error) {
	end := f.now().UTC()
	window := f.retention
	if days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}
	return f.Range(ctx, station, end.Add(-window), end, unit)
}

// Latest returns the most recent height of a station.
func (f *Facade) Latest(ctx context.Context, station string, unit Unit) (Point, error) {
	m, ok, err := f.store.Latest(ctx, station)
	if err != nil {
		return Point{}, err
	}
	if !ok {
		return Point{}, ErrNoData
	}
	if unit == "" {
		unit = Meters
	}
	return Point{Timestamp: m.Timestamp, Value: unit.FromMeters(m.HeightM)}, nil
}

func toPoints(rows []models.Measurement, unit Unit) []Point {
	points := make([]Point, 0, len(rows))
	for _, m := range rows {
		points = append(points, Point{Timestamp: m.Timestamp, Value: unit.FromMeters(m.HeightM)})
	}
	return points
}
