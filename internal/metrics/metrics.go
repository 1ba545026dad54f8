package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStatsProvider exposes live and aggregate bridge session stats.
type SessionStatsProvider interface {
	ActiveSessionCount() int
	AggregateFramesToAgent() uint64
	AggregateFramesToCaller() uint64
	AggregateFramesDropped() uint64
	SessionOutcomes() map[string]uint64
}

// CallStatusCounter returns durable call record counts grouped by status.
type CallStatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers VoiceBridge metrics at
// scrape time.
type Collector struct {
	sessions  SessionStatsProvider
	calls     CallStatusCounter
	startTime time.Time

	// Metric descriptors.
	activeSessionsDesc   *prometheus.Desc
	framesRelayedDesc    *prometheus.Desc
	framesDroppedDesc    *prometheus.Desc
	sessionsFinishedDesc *prometheus.Desc
	callsTotalDesc       *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(sessions SessionStatsProvider, calls CallStatusCounter, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		calls:     calls,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"voicebridge_active_sessions",
			"Number of currently bridged call sessions",
			nil, nil,
		),
		framesRelayedDesc: prometheus.NewDesc(
			"voicebridge_frames_relayed_total",
			"Total audio frames relayed, by direction",
			[]string{"direction"}, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"voicebridge_frames_dropped_total",
			"Total audio frames dropped under send-queue saturation",
			nil, nil,
		),
		sessionsFinishedDesc: prometheus.NewDesc(
			"voicebridge_sessions_finished_total",
			"Total finished sessions by terminal state",
			[]string{"state"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voicebridge_calls_total",
			"Total call records by status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the VoiceBridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.framesRelayedDesc
	ch <- c.framesDroppedDesc
	ch <- c.sessionsFinishedDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessionCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesRelayedDesc, prometheus.CounterValue,
			float64(c.sessions.AggregateFramesToAgent()), "to_agent",
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesRelayedDesc, prometheus.CounterValue,
			float64(c.sessions.AggregateFramesToCaller()), "to_caller",
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDroppedDesc, prometheus.CounterValue,
			float64(c.sessions.AggregateFramesDropped()),
		)
		for state, n := range c.sessions.SessionOutcomes() {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsFinishedDesc, prometheus.CounterValue,
				float64(n), state,
			)
		}
	}

	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call records", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(n), status,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
