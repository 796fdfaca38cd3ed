package query

import (
	"context"
	"time"
)

// DefaultTrendWindows are the windows reported when none are requested.
var DefaultTrendWindows = []time.Duration{4 * time.Hour, 24 * time.Hour, 7 * 24 * time.Hour}

// Trend summarizes how a station's height evolved over a window ending at its
// latest measurement. Heights are in meters, Speed in centimeters per hour.
type Trend struct {
	Station string        `json:"station"`
	Window  time.Duration `json:"window_ns"`
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
	Count   int           `json:"count"`
	First   float64       `json:"first_m"`
	Last    float64       `json:"last_m"`
	Delta   float64       `json:"delta_m"`
	Speed   float64       `json:"speed_cm_h"`
	Mean    float64       `json:"mean_m"`
	Min     float64       `json:"min_m"`
	Max     float64       `json:"max_m"`
}

// Trends computes one Trend per window. Without windows DefaultTrendWindows is used.
func (f *Facade) Trends(ctx context.Context, station string, windows ...time.Duration) ([]Trend, error) {
	if len(windows) == 0 {
		windows = DefaultTrendWindows
	}
	latest, ok, err := f.store.Latest(ctx, station)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoData
	}

	longest := windows[0]
	for _, w := range windows {
		if w > longest {
			longest = w
		}
	}
	rows, err := f.store.Range(ctx, station, latest.Timestamp.Add(-longest), latest.Timestamp)
	if err != nil {
		return nil, err
	}

	trends := make([]Trend, 0, len(windows))
	for _, w := range windows {
		from := latest.Timestamp.Add(-w)
		t := Trend{Station: station, Window: w, To: latest.Timestamp}
		for _, m := range rows {
			if m.Timestamp.Before(from) {
				continue
			}
			if t.Count == 0 {
				t.From = m.Timestamp
				t.First = m.HeightM
				t.Min, t.Max = m.HeightM, m.HeightM
			}
			t.Count++
			t.Last = m.HeightM
			t.Mean += m.HeightM
			t.Min = min(t.Min, m.HeightM)
			t.Max = max(t.Max, m.HeightM)
		}
		if t.Count > 0 {
			t.Mean = round(t.Mean/float64(t.Count), 6)
			t.Delta = round(t.Last-t.First, 6)
			if hours := t.To.Sub(t.From).Hours(); hours > 0 {
				t.Speed = round(t.Delta*100/hours, 6)
			}
		}
		trends = append(trends, t)
	}
	return trends, nil
}
