package ingest

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padorange/hubeau/internal/apperr"
	"github.com/padorange/hubeau/internal/db"
	"github.com/padorange/hubeau/internal/hubeau"
	"github.com/padorange/hubeau/internal/hubeau/hubeautest"
	"github.com/padorange/hubeau/internal/metrics"
	"github.com/padorange/hubeau/internal/models"
)

const (
	stationA = "R314001001"
	stationB = "O972001001"
	stationC = "V130001001"
)

var (
	now       = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	dataStart = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	srv    *hubeautest.Server
	store  *db.SQLiteStore
	client *hubeau.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := hubeautest.NewServer()
	t.Cleanup(srv.Close)

	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "hubeau.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := hubeau.NewClient(hubeau.Options{
		BaseURL:         srv.URL,
		Timeout:         5 * time.Second,
		Attempts:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
	return &fixture{srv: srv, store: store, client: client}
}

func (f *fixture) engine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return now }
	}
	return New(f.client, f.store, opts)
}

func (f *fixture) count(t *testing.T, station string) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), station)
	require.NoError(t, err)
	return n
}

func TestSyncStation_InitialThenRepeatRun(t *testing.T) {
	f := newFixture(t)
	series := hubeautest.Series(dataStart, time.Minute, 450, 1000)
	f.srv.AddObservations(stationA, series...)
	last := series[len(series)-1].Timestamp

	e := f.engine(Options{PageSize: 200})

	res := e.SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 450, res.Inserted)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, last, res.Watermark)
	assert.Equal(t, 450, f.count(t, stationA))
	assert.Equal(t, 3, f.srv.Requests(stationA))

	f.srv.ResetRequests()
	res = e.SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, last, res.Watermark)
	assert.Equal(t, 1, f.srv.Requests(stationA))
	assert.Equal(t, 450, f.count(t, stationA))
}

func TestSyncStation_PicksUpNewData(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Hour, 10, 1000)...)
	e := f.engine(Options{PageSize: 4})

	res := e.SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 10, res.Inserted)

	f.srv.AddObservations(stationA, hubeautest.Series(dataStart.Add(10*time.Hour), time.Hour, 5, 2000)...)
	res = e.SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Inserted)
	assert.Equal(t, dataStart.Add(14*time.Hour), res.Watermark)
	assert.Equal(t, 15, f.count(t, stationA))
}

func TestSyncStation_UnitConversionIsExact(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Observation{Timestamp: dataStart, HeightMM: 1234})

	res := f.engine(Options{}).SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)

	m, ok, err := f.store.Latest(context.Background(), stationA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.234, m.HeightM)
}

func TestSyncStation_PaginationBoundaryDuplicates(t *testing.T) {
	for _, overlap := range []int{1, 3} {
		f := newFixture(t)
		f.srv.Overlap = overlap
		f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Minute, 50, 1000)...)

		res := f.engine(Options{PageSize: 10}).SyncStation(context.Background(), stationA)
		require.NoError(t, res.Err)
		assert.Equal(t, 50, res.Inserted, "overlap %d", overlap)
		assert.Equal(t, 50, f.count(t, stationA), "overlap %d", overlap)
	}
}

func TestSyncStation_DescendingFeed(t *testing.T) {
	f := newFixture(t)
	f.srv.Descending = true
	series := hubeautest.Series(dataStart, time.Minute, 450, 1000)
	f.srv.AddObservations(stationA, series...)

	// part of the history is already stored
	var stored []models.Reading
	for _, o := range series[:100] {
		stored = append(stored, models.Reading{Timestamp: o.Timestamp, HeightM: o.HeightMM / 1000})
	}
	_, err := f.store.CommitBatch(context.Background(), stationA, stored)
	require.NoError(t, err)

	e := f.engine(Options{PageSize: 200})
	res := e.SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 350, res.Inserted)
	assert.Equal(t, series[449].Timestamp, res.Watermark)
	assert.Equal(t, 450, f.count(t, stationA))

	f.srv.ResetRequests()
	res = e.SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, f.srv.Requests(stationA))
}

func TestSyncStation_DescendingFeedFailureLosesNothing(t *testing.T) {
	f := newFixture(t)
	f.srv.Descending = true
	series := hubeautest.Series(dataStart, time.Minute, 30, 1000)
	f.srv.AddObservations(stationA, series...)
	// first page served, every later request fails
	f.srv.FailWith(stationA, true, 0, http.StatusInternalServerError)

	e := f.engine(Options{PageSize: 10})
	res := e.SyncStation(context.Background(), stationA)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperr.KindServer, res.Kind)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, f.count(t, stationA))
	_, ok, err := f.store.Watermark(context.Background(), stationA)
	require.NoError(t, err)
	assert.False(t, ok)

	f.srv.FailWith(stationA, false)
	res = e.SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 30, res.Inserted)
	assert.Equal(t, 30, f.count(t, stationA))
	assert.Equal(t, series[29].Timestamp, res.Watermark)
}

func TestSyncStation_FailureReportsCommittedWatermark(t *testing.T) {
	f := newFixture(t)
	series := hubeautest.Series(dataStart, time.Minute, 30, 1000)
	f.srv.AddObservations(stationA, series...)
	f.srv.FailWith(stationA, true, 0, http.StatusInternalServerError)

	reg := prometheus.NewRegistry()
	m := metrics.NewSync(reg)
	e := f.engine(Options{PageSize: 10, Metrics: m})

	res := e.SyncStation(context.Background(), stationA)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 10, res.Inserted)
	assert.Equal(t, series[9].Timestamp, res.Watermark)
	assert.Equal(t, float64(series[9].Timestamp.Unix()), testutil.ToFloat64(m.Watermark.WithLabelValues(stationA)))
}

func TestAscendingAfter(t *testing.T) {
	at := func(min int) models.Item { return models.Item{Timestamp: dataStart.Add(time.Duration(min) * time.Minute)} }

	assert.True(t, ascendingAfter(nil, dataStart))
	assert.True(t, ascendingAfter([]models.Item{at(1), at(2), at(5)}, dataStart))
	assert.False(t, ascendingAfter([]models.Item{at(2), at(1)}, dataStart))
	assert.False(t, ascendingAfter([]models.Item{at(3), at(4)}, dataStart.Add(5*time.Minute)))
}

func TestSyncStation_InitialWindow(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(now.Add(-40*24*time.Hour), time.Hour, 3, 1000)...)
	f.srv.AddObservations(stationA, hubeautest.Series(now.Add(-2*24*time.Hour), time.Hour, 3, 1000)...)

	res := f.engine(Options{InitialWindow: 30 * 24 * time.Hour}).SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Inserted)
}

func TestSyncStation_PageCap(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Minute, 50, 1000)...)

	res := f.engine(Options{PageSize: 10, MaxPages: 2}).SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.True(t, res.Capped)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 20, res.Inserted)
	assert.Equal(t, dataStart.Add(19*time.Minute), res.Watermark)

	// the next run resumes from the committed watermark
	res = f.engine(Options{PageSize: 10, MaxPages: 10}).SyncStation(context.Background(), stationA)
	require.NoError(t, res.Err)
	assert.Equal(t, 30, res.Inserted)
}

// failingStore fails CommitBatch from the failAt-th call on.
type failingStore struct {
	db.Store
	calls  int
	failAt int
}

func (s *failingStore) CommitBatch(ctx context.Context, station string, readings []models.Reading) (int, error) {
	s.calls++
	if s.calls >= s.failAt {
		return 0, apperr.New(apperr.KindStore, "commit batch", errors.New("disk full"))
	}
	return s.Store.CommitBatch(ctx, station, readings)
}

func TestSyncStation_StoreFailureKeepsCommittedWatermark(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Minute, 30, 1000)...)

	store := &failingStore{Store: f.store, failAt: 2}
	e := New(f.client, store, Options{PageSize: 10, Now: func() time.Time { return now }})

	res := e.SyncStation(context.Background(), stationA)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, apperr.KindStore, res.Kind)
	assert.Equal(t, 10, res.Inserted)

	wm, ok, err := f.store.Watermark(context.Background(), stationA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dataStart.Add(9*time.Minute), wm)
	assert.Equal(t, 10, f.count(t, stationA))
}

func TestSyncStation_ClientErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   apperr.Kind
	}{
		{http.StatusNotFound, apperr.KindClient},
		{http.StatusBadRequest, apperr.KindClient},
		{http.StatusInternalServerError, apperr.KindServer},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f := newFixture(t)
			f.srv.FailWith(stationA, true, tt.status)

			res := f.engine(Options{}).SyncStation(context.Background(), stationA)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, 0, f.count(t, stationA))

			_, ok, err := f.store.Watermark(context.Background(), stationA)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.srv.FailWith(stationA, true, http.StatusInternalServerError)
	f.srv.AddObservations(stationB, hubeautest.Series(dataStart, time.Minute, 25, 1000)...)

	reg := prometheus.NewRegistry()
	m := metrics.NewSync(reg)
	summary, err := f.engine(Options{PageSize: 10, MaxConcurrent: 2, FailWhenAllFailed: true, Metrics: m}).
		Run(context.Background(), []string{stationA, stationB})
	require.NoError(t, err)

	require.Len(t, summary.Results, 2)
	a, b := summary.Results[0], summary.Results[1]

	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, apperr.KindServer, a.Kind)
	assert.ErrorIs(t, a.Err, apperr.ErrRetryBudgetExhausted)
	assert.NotEmpty(t, a.Error)
	assert.Equal(t, 3, f.srv.Requests(stationA))

	assert.Equal(t, StatusOK, b.Status)
	assert.Equal(t, 25, b.Inserted)
	assert.Equal(t, 25, f.count(t, stationB))

	assert.Equal(t, 25, summary.Inserted())
	assert.NotEmpty(t, summary.RunID)
	assert.Len(t, summary.Failed(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StationFailures.WithLabelValues("server")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PagesFetched.WithLabelValues(stationB)))
}

func TestRun_AuthErrorAbortsRun(t *testing.T) {
	f := newFixture(t)
	f.srv.FailWith(stationA, true, http.StatusUnauthorized)
	f.srv.AddObservations(stationB, hubeautest.Series(dataStart, time.Minute, 5, 1000)...)
	f.srv.AddObservations(stationC, hubeautest.Series(dataStart, time.Minute, 5, 1000)...)

	summary, err := f.engine(Options{MaxConcurrent: 1, AbortOnAuthError: true}).
		Run(context.Background(), []string{stationA, stationB, stationC})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.True(t, summary.Aborted)

	assert.Equal(t, StatusFailed, summary.Results[0].Status)
	assert.True(t, apperr.IsFatal(summary.Results[0].Err))
	assert.Equal(t, StatusSkipped, summary.Results[1].Status)
	assert.Equal(t, StatusSkipped, summary.Results[2].Status)
	assert.Equal(t, 0, f.srv.Requests(stationB))
}

func TestRun_AuthErrorIsolatedWhenNotAborting(t *testing.T) {
	f := newFixture(t)
	f.srv.FailWith(stationA, true, http.StatusForbidden)
	f.srv.AddObservations(stationB, hubeautest.Series(dataStart, time.Minute, 5, 1000)...)

	summary, err := f.engine(Options{MaxConcurrent: 1}).Run(context.Background(), []string{stationA, stationB})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, summary.Results[0].Status)
	assert.Equal(t, StatusOK, summary.Results[1].Status)
}

func TestRun_AllStationsFailed(t *testing.T) {
	f := newFixture(t)
	f.srv.FailWith(stationA, true, http.StatusInternalServerError)
	f.srv.FailWith(stationB, true, http.StatusNotFound)

	_, err := f.engine(Options{MaxConcurrent: 2, FailWhenAllFailed: true}).Run(context.Background(), []string{stationA, stationB})
	assert.ErrorIs(t, err, ErrAllStationsFailed)

	summary, err := f.engine(Options{MaxConcurrent: 2}).Run(context.Background(), []string{stationA, stationB})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count(StatusFailed))
}

func TestRun_Canceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.engine(Options{}).Run(ctx, []string{stationA, stationB})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.Count(StatusSkipped))
}

func TestRun_DeduplicatesStations(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Minute, 5, 1000)...)

	summary, err := f.engine(Options{MaxConcurrent: 4}).Run(context.Background(), []string{stationA, stationA})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 5, f.count(t, stationA))
}

type stubLookup struct {
	err error
}

func (s stubLookup) Lookup(ctx context.Context, code string) (models.Station, error) {
	if s.err != nil {
		return models.Station{}, s.err
	}
	return models.Station{Code: code, Name: "La Charente à Cognac", RefreshedAt: now}, nil
}

func TestRun_RefreshesStations(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Minute, 5, 1000)...)

	_, err := f.engine(Options{Stations: stubLookup{}}).Run(context.Background(), []string{stationA})
	require.NoError(t, err)

	st, err := f.store.GetStation(context.Background(), stationA)
	require.NoError(t, err)
	assert.Equal(t, "La Charente à Cognac", st.Name)
}

func TestRun_RefreshFailureDoesNotFailSync(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Minute, 5, 1000)...)

	summary, err := f.engine(Options{Stations: stubLookup{err: errors.New("referential down")}}).
		Run(context.Background(), []string{stationA})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, summary.Results[0].Status)
	assert.Equal(t, 5, summary.Results[0].Inserted)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.srv.AddObservations(stationA, hubeautest.Series(dataStart, time.Minute, 25, 1000)...)

	e := New(f.client, db.NewDryRun(f.store, nil), Options{PageSize: 10, Now: func() time.Time { return now }})
	summary, err := e.Run(context.Background(), []string{stationA})
	require.NoError(t, err)
	assert.Equal(t, 25, summary.Inserted())
	assert.Equal(t, 0, f.count(t, stationA))
}
