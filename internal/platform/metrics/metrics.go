// Package metrics holds the Prometheus instruments for the ingestion engine
// and its query surfaces.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for tickscope.
type Metrics struct {
	registry *prometheus.Registry

	framesIngestedTotal prometheus.Counter
	linesDroppedTotal   prometheus.Counter
	seriesQueriesTotal  prometheus.Counter
	seriesRescansTotal  prometheus.Counter
	commandsTotal       prometheus.Counter
	commandErrorsTotal  prometheus.Counter
	takeoversTotal      prometheus.Counter

	activeCaptures prometheus.Gauge
	activeStreams  prometheus.Gauge
	cacheBytes     prometheus.Gauge
}

// New creates and registers the tickscope metric set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		framesIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickscope_frames_ingested_total",
			Help: "Total frames parsed and admitted to the frame cache",
		}),
		linesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickscope_lines_dropped_total",
			Help: "Total malformed capture lines skipped during reads",
		}),
		seriesQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickscope_series_queries_total",
			Help: "Total series resolution requests",
		}),
		seriesRescansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickscope_series_rescans_total",
			Help: "Series resolutions answered by a full source rescan",
		}),
		commandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickscope_control_commands_total",
			Help: "Total control channel commands processed",
		}),
		commandErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickscope_control_command_errors_total",
			Help: "Control channel commands answered with an error",
		}),
		takeoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickscope_control_takeovers_total",
			Help: "Controller registrations that evicted a previous controller",
		}),
		activeCaptures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickscope_active_captures",
			Help: "Captures currently registered and active",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickscope_live_streams",
			Help: "Live streams currently ingesting",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickscope_cache_bytes",
			Help: "Estimated bytes retained in the frame cache",
		}),
	}

	registry.MustRegister(
		m.framesIngestedTotal,
		m.linesDroppedTotal,
		m.seriesQueriesTotal,
		m.seriesRescansTotal,
		m.commandsTotal,
		m.commandErrorsTotal,
		m.takeoversTotal,
		m.activeCaptures,
		m.activeStreams,
		m.cacheBytes,
	)

	return m
}

// AddFramesIngested adds n to the ingested frame counter.
func (m *Metrics) AddFramesIngested(n int) {
	m.framesIngestedTotal.Add(float64(n))
}

// AddLinesDropped adds n to the dropped line counter.
func (m *Metrics) AddLinesDropped(n int) {
	m.linesDroppedTotal.Add(float64(n))
}

// IncSeriesQueries counts one series resolution.
func (m *Metrics) IncSeriesQueries() {
	m.seriesQueriesTotal.Inc()
}

// IncSeriesRescans counts one full-source rescan.
func (m *Metrics) IncSeriesRescans() {
	m.seriesRescansTotal.Inc()
}

// IncCommands counts one processed control command.
func (m *Metrics) IncCommands() {
	m.commandsTotal.Inc()
}

// IncCommandErrors counts one command answered with an error.
func (m *Metrics) IncCommandErrors() {
	m.commandErrorsTotal.Inc()
}

// IncTakeovers counts one controller takeover.
func (m *Metrics) IncTakeovers() {
	m.takeoversTotal.Inc()
}

// SetActiveCaptures sets the active capture gauge.
func (m *Metrics) SetActiveCaptures(n int) {
	m.activeCaptures.Set(float64(n))
}

// SetActiveStreams sets the live stream gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetCacheBytes sets the cache byte gauge.
func (m *Metrics) SetCacheBytes(n int64) {
	m.cacheBytes.Set(float64(n))
}

// Handler returns an http.Handler serving the registry. updateGauges runs
// before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
