// Package catalog looks up and searches Hub'Eau monitoring stations.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/padorange/hubeau/internal/apperr"
	"github.com/padorange/hubeau/internal/hubeau"
	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

var (
	// ErrStationNotFound is returned by Lookup when the referential has no such code.
	ErrStationNotFound = errors.New("station not found")

	// ErrNoFilter is returned by Search when every filter is empty.
	ErrNoFilter = errors.New("at least one search filter is required")
)

// Referential is the subset of the remote client used by the catalog.
type Referential interface {
	FetchStations(ctx context.Context, q hubeau.StationQuery, pageSize int, cursor string) (hubeau.StationPage, error)
}

// Filter selects stations. Non-empty fields are combined conjunctively.
type Filter struct {
	Name            string
	CommuneCode     string
	DepartmentCode  string
	WatercourseName string
	InServiceOnly   bool
}

func (f Filter) empty() bool {
	return f.Name == "" && f.CommuneCode == "" && f.DepartmentCode == "" && f.WatercourseName == ""
}

// Catalog resolves station metadata from the remote referential. It never writes
// to a store.
type Catalog struct {
	ref      Referential
	pageSize int
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Catalog. A pageSize of 0 uses the referential default.
func New(ref Referential, pageSize int, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{ref: ref, pageSize: pageSize, logger: logger, now: time.Now}
}

// Lookup fetches the metadata of one station by exact code.
func (c *Catalog) Lookup(ctx context.Context, code string) (models.Station, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	page, err := c.ref.FetchStations(ctx, hubeau.StationQuery{Code: code}, 1, "")
	if err != nil {
		if apperr.IsNotFound(err) {
			return models.Station{}, ErrStationNotFound
		}
		return models.Station{}, err
	}
	for _, p := range page.Stations {
		if strings.EqualFold(strings.TrimSpace(p.Code), code) {
			return utils.BuildStation(p, c.now()), nil
		}
	}
	return models.Station{}, ErrStationNotFound
}

// Search starts a one-pass iteration over the stations matching f.
func (c *Catalog) Search(f Filter) (*Iterator, error) {
	if f.empty() {
		return nil, ErrNoFilter
	}
	return &Iterator{
		cat:    c,
		filter: f,
		query: hubeau.StationQuery{
			Name:            f.Name,
			CommuneCode:     f.CommuneCode,
			DepartmentCode:  f.DepartmentCode,
			WatercourseName: f.WatercourseName,
		},
		seen: make(map[string]struct{}),
	}, nil
}

// Iterator walks the paginated search results once. It is not restartable.
//
//	it, err := cat.Search(catalog.Filter{DepartmentCode: "16"})
//	for it.Next(ctx) {
//		st := it.Station()
//	}
//	err = it.Err()
type Iterator struct {
	cat    *Catalog
	filter Filter
	query  hubeau.StationQuery
	seen   map[string]struct{}

	buf     []models.StationPayload
	cursor  string
	started bool
	done    bool
	cur     models.Station
	err     error
}

// Next advances to the next matching station, fetching pages as needed.
func (it *Iterator) Next(ctx context.Context) bool {
	for {
		if it.err != nil {
			return false
		}
		for len(it.buf) > 0 {
			p := it.buf[0]
			it.buf = it.buf[1:]
			code := strings.TrimSpace(p.Code)
			if code == "" {
				continue
			}
			if _, dup := it.seen[code]; dup {
				continue
			}
			if !it.filter.matches(p) {
				continue
			}
			it.seen[code] = struct{}{}
			it.cur = utils.BuildStation(p, it.cat.now())
			return true
		}
		if it.done {
			return false
		}
		if it.started && it.cursor == "" {
			it.done = true
			return false
		}

		page, err := it.cat.ref.FetchStations(ctx, it.query, it.cat.pageSize, it.cursor)
		if err != nil {
			it.err = err
			return false
		}
		it.started = true
		it.buf = page.Stations
		it.cursor = page.NextCursor
		if !page.HasMore {
			it.cursor = ""
			it.done = len(page.Stations) == 0
		}
		it.cat.logger.Debug("station search page", "count", len(page.Stations), "more", page.HasMore)
	}
}

// Station returns the current station. Valid after Next returned true.
func (it *Iterator) Station() models.Station {
	return it.cur
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Collect drains the iterator.
func (it *Iterator) Collect(ctx context.Context) ([]models.Station, error) {
	var out []models.Station
	for it.Next(ctx) {
		out = append(out, it.Station())
	}
	return out, it.Err()
}

// matches re-applies the filters locally: the referential matches names loosely
// and some deployments ignore unknown parameters.
func (f Filter) matches(p models.StationPayload) bool {
	if f.Name != "" && !strings.Contains(fold(p.Name), fold(f.Name)) {
		return false
	}
	if f.WatercourseName != "" && !strings.Contains(fold(p.WatercourseName), fold(f.WatercourseName)) {
		return false
	}
	if f.CommuneCode != "" && p.CommuneCode != f.CommuneCode {
		return false
	}
	if f.DepartmentCode != "" && p.DepartmentCode != f.DepartmentCode {
		return false
	}
	if f.InServiceOnly && (p.InService == nil || !*p.InService) {
		return false
	}
	return true
}

// fold strips accents and case so "Rhône" matches "RHONE".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToUpper(strings.TrimSpace(out))
}
