package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Portal metrics
	PortalPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightsync_portal_pages_total",
			Help: "Total number of portal pages fetched by source",
		},
		[]string{"source"},
	)

	PortalRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightsync_portal_rows_total",
			Help: "Total number of flight rows extracted by category",
		},
		[]string{"category"},
	)

	PortalRowsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightsync_portal_rows_dropped_total",
			Help: "Total number of table rows that produced no record, by reason",
		},
		[]string{"reason"},
	)

	SourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightsync_source_failures_total",
			Help: "Total number of abandoned portal sources by reason",
		},
		[]string{"source", "reason"},
	)

	// Sync metrics
	Pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightsync_pushes_total",
			Help: "Total number of remote writes by kind and result",
		},
		[]string{"kind", "result"},
	)

	PushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flightsync_push_duration_seconds",
			Help:    "Remote write latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	StoreResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightsync_store_resets_total",
			Help: "Total number of remote store resets by result",
		},
		[]string{"result"},
	)

	AdaptiveTimeout = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flightsync_adaptive_timeout_seconds",
			Help: "Current remote write timeout in seconds",
		},
	)

	StoreReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flightsync_store_ready",
			Help: "Whether the remote store is authenticated (1 = ready, 0 = not ready)",
		},
	)

	// Cycle metrics
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightsync_cycles_total",
			Help: "Total number of sync cycles by status",
		},
		[]string{"status"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flightsync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
		},
	)

	LastCycle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flightsync_last_cycle_timestamp_seconds",
			Help: "Unix time the last sync cycle finished",
		},
	)
)

func init() {
	prometheus.MustRegister(PortalPages)
	prometheus.MustRegister(PortalRows)
	prometheus.MustRegister(PortalRowsDropped)
	prometheus.MustRegister(SourceFailures)
	prometheus.MustRegister(Pushes)
	prometheus.MustRegister(PushDuration)
	prometheus.MustRegister(StoreResets)
	prometheus.MustRegister(AdaptiveTimeout)
	prometheus.MustRegister(StoreReady)
	prometheus.MustRegister(Cycles)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(LastCycle)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the time between NewTimer and an Observe call.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on o.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
