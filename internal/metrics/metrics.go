// Package metrics holds the prometheus collectors of the watcher and the API.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Sync records synchronization runs.
type Sync struct {
	PagesFetched    *prometheus.CounterVec
	RowsInserted    *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	StationFailures *prometheus.CounterVec
	StationDuration *prometheus.HistogramVec
	Watermark       *prometheus.GaugeVec
	LastRun         prometheus.Gauge
}

// NewSync creates the sync collectors and registers them on reg.
func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		PagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubeau_sync_pages_fetched_total",
			Help: "Measurement pages fetched from Hub'Eau",
		}, []string{"station"}),
		RowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubeau_sync_rows_inserted_total",
			Help: "Measurements inserted in the store",
		}, []string{"station"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubeau_remote_retries_total",
			Help: "Remote calls retried after a transient failure",
		}, []string{"op"}),
		StationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubeau_sync_station_failures_total",
			Help: "Station syncs that ended in failure, by error kind",
		}, []string{"kind"}),
		StationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hubeau_sync_station_duration_seconds",
			Help:    "Time spent synchronizing one station",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"station"}),
		Watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubeau_sync_watermark_timestamp_seconds",
			Help: "Latest stored measurement timestamp per station",
		}, []string{"station"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hubeau_sync_last_run_timestamp_seconds",
			Help: "Completion time of the last sync run",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PagesFetched, m.RowsInserted, m.Retries, m.StationFailures, m.StationDuration, m.Watermark, m.LastRun)
	}
	return m
}

// Retry counts one retried remote call. Safe on a nil receiver.
func (m *Sync) Retry(op string, _ error) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

// Page counts one fetched page.
func (m *Sync) Page(station string) {
	if m == nil {
		return
	}
	m.PagesFetched.WithLabelValues(station).Inc()
}

// Inserted adds committed rows.
func (m *Sync) Inserted(station string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowsInserted.WithLabelValues(station).Add(float64(n))
}

// StationDone records the outcome of one station sync.
func (m *Sync) StationDone(station, failureKind string, watermark time.Time, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StationDuration.WithLabelValues(station).Observe(elapsed.Seconds())
	if failureKind != "" {
		m.StationFailures.WithLabelValues(failureKind).Inc()
	}
	if !watermark.IsZero() {
		m.Watermark.WithLabelValues(station).Set(float64(watermark.Unix()))
	}
}

// RunDone stamps the end of a run.
func (m *Sync) RunDone(at time.Time) {
	if m == nil {
		return
	}
	m.LastRun.Set(float64(at.Unix()))
}

// WriteTextfile dumps the registry for the node exporter textfile collector.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	return prometheus.WriteToTextfile(path, g)
}

// API records read API traffic.
type API struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// NewAPI creates the API collectors, plus the Go runtime collectors, on reg.
func NewAPI(reg prometheus.Registerer) *API {
	m := &API{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubeau_api_requests_total",
			Help: "HTTP requests served by the read API",
		}, []string{"route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hubeau_api_request_duration_seconds",
			Help:    "Read API request latency",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3},
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Latency, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Middleware records every request under its route template.
func (m *API) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.Latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
