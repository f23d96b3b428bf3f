package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Entry outcomes.
const (
	CacheHit = "cache_hit"
	Fetched  = "fetched"
	Excluded = "excluded"
)

// Metrics holds the counters of one batch run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	entries     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	pruned      *prometheus.CounterVec
	runDuration *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		entries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fullfeed_entries_total",
			Help: "Feed entries resolved, by outcome",
		}, []string{"feed", "outcome"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fullfeed_feed_runs_total",
			Help: "Feed runs, by result",
		}, []string{"feed", "result"}),
		pruned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fullfeed_cache_pruned_total",
			Help: "Cache rows deleted because their entry left the feed",
		}, []string{"feed"}),
		runDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fullfeed_feed_run_duration_seconds",
			Help: "Wall time of the last run of a feed",
		}, []string{"feed"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fullfeed_feed_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of a feed",
		}, []string{"feed"}),
	}
}

func (m *Metrics) Entry(feed string, outcome string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(feed, outcome).Inc()
}

func (m *Metrics) Pruned(feed string, rows int64) {
	if m == nil {
		return
	}
	m.pruned.WithLabelValues(feed).Add(float64(rows))
}

func (m *Metrics) Run(feed string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(feed).Set(took.Seconds())
	if err != nil {
		m.runs.WithLabelValues(feed, "failed").Inc()
		return
	}
	m.runs.WithLabelValues(feed, "ok").Inc()
	m.lastSuccess.WithLabelValues(feed).SetToCurrentTime()
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
