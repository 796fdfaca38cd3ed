package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/padorange/hubeau/internal/apperr"
)

var (
	// ErrRunAborted is returned when a credential failure stopped the run.
	ErrRunAborted = errors.New("run aborted")

	// ErrAllStationsFailed is returned when no station could be synchronized.
	ErrAllStationsFailed = errors.New("all stations failed")
)

// Status is the outcome of one station sync.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result describes one station sync.
type Result struct {
	Station   string        `json:"station"`
	Status    Status        `json:"status"`
	Kind      apperr.Kind   `json:"kind,omitempty"`
	Inserted  int           `json:"inserted"`
	Pages     int           `json:"pages"`
	Capped    bool          `json:"capped,omitempty"`
	Watermark time.Time     `json:"watermark,omitzero"`
	Duration  time.Duration `json:"duration_ns"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// Summary aggregates a run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Aborted    bool      `json:"aborted,omitempty"`
	Results    []Result  `json:"results"`
}

// Inserted is the number of rows inserted over all stations.
func (s Summary) Inserted() int {
	total := 0
	for _, r := range s.Results {
		total += r.Inserted
	}
	return total
}

// Count returns how many stations ended with status.
func (s Summary) Count(status Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the failed and skipped results.
func (s Summary) Failed() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status != StatusOK {
			out = append(out, r)
		}
	}
	return out
}

// Run synchronizes every station with at most MaxConcurrent in flight.
//
// A station failure is recorded in the summary and never stops the others,
// except for a 401/403 when AbortOnAuthError is set: the run is canceled and
// stations not yet started are marked skipped. The summary is always returned.
func (e *Engine) Run(ctx context.Context, stations []string) (Summary, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	summary := Summary{RunID: id.String(), StartedAt: e.opts.Now().UTC()}
	log := e.logger.With("run_id", summary.RunID)

	stations = dedupe(stations)
	results := make([]Result, len(stations))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	log.Info("sync run started", "stations", len(stations), "concurrency", e.opts.MaxConcurrent)

	g := new(errgroup.Group)
	g.SetLimit(e.opts.MaxConcurrent)
	for i, station := range stations {
		g.Go(func() error {
			if runCtx.Err() != nil {
				results[i] = Result{Station: station, Status: StatusSkipped, Kind: apperr.KindCanceled, Err: context.Cause(runCtx)}
				return nil
			}
			if e.opts.Stations != nil {
				e.refreshStation(runCtx, station)
			}
			res := e.SyncStation(runCtx, station)
			results[i] = res
			if res.Status == StatusFailed && e.opts.AbortOnAuthError && apperr.IsFatal(res.Err) {
				cancel(fmt.Errorf("%w: station %s: %w", ErrRunAborted, station, res.Err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Err != nil {
			results[i].Error = results[i].Err.Error()
		}
	}
	summary.Results = results
	summary.FinishedAt = e.opts.Now().UTC()
	e.opts.Metrics.RunDone(summary.FinishedAt)

	log.Info("sync run finished",
		"ok", summary.Count(StatusOK),
		"failed", summary.Count(StatusFailed),
		"skipped", summary.Count(StatusSkipped),
		"inserted", summary.Inserted(),
		"elapsed", summary.FinishedAt.Sub(summary.StartedAt))

	if cause := context.Cause(runCtx); errors.Is(cause, ErrRunAborted) {
		summary.Aborted = true
		return summary, cause
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if e.opts.FailWhenAllFailed && len(results) > 0 && summary.Count(StatusOK) == 0 {
		return summary, fmt.Errorf("%w (%d stations)", ErrAllStationsFailed, len(results))
	}
	return summary, nil
}

func dedupe(stations []string) []string {
	seen := make(map[string]struct{}, len(stations))
	out := make([]string, 0, len(stations))
	for _, s := range stations {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
