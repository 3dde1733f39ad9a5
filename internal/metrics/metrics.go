// Package metrics exposes Prometheus instrumentation for scheduler ticks.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for event ticks.
type Metrics struct {
	ticks        *prometheus.CounterVec
	runs         *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	postsDeleted prometheus.Counter
	scheduled    *prometheus.GaugeVec
}

// Tick outcomes.
const (
	OutcomeDone      = "done"
	OutcomeIdle      = "idle"
	OutcomeExhausted = "exhausted"
	OutcomeCeiling   = "ceiling"
	OutcomeBusy      = "busy"
	OutcomeDisabled  = "disabled"
	OutcomeError     = "error"
)

// New creates and registers the metrics with registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_ticks_total",
			Help: "Event ticks by event and outcome",
		}, []string{"event", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_action_runs_total",
			Help: "Per-site action invocations by event",
		}, []string{"event"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlsched_tick_duration_seconds",
			Help:    "Duration of event ticks",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"event"}),
		postsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlsched_posts_deleted_total",
			Help: "Posts deleted by the delete event",
		}),
		scheduled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlsched_event_scheduled",
			Help: "1 when the event has a registered timer",
		}, []string{"event"}),
	}
	registry.MustRegister(m.ticks, m.runs, m.tickDuration, m.postsDeleted, m.scheduled)
	return m
}

// RecordTick counts one tick of event.
func (m *Metrics) RecordTick(event, outcome string, runs int, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(event, outcome).Inc()
	if runs > 0 {
		m.runs.WithLabelValues(event).Add(float64(runs))
	}
	m.tickDuration.WithLabelValues(event).Observe(d.Seconds())
}

func (m *Metrics) PostsDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.postsDeleted.Add(float64(n))
}

// SetScheduled records whether event currently has a timer.
func (m *Metrics) SetScheduled(event string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.scheduled.WithLabelValues(event).Set(v)
}
