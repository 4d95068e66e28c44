package events

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SirClappington/notiq/internal/domain"
)

// Metrics counts transitions per event type and target state.
type Metrics struct {
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notiq",
			Name:      "job_transitions_total",
			Help:      "Job state transitions by event type and target state.",
		}, []string{"event_type", "to"}),
	}
	reg.MustRegister(m.transitions)
	return m
}

func (m *Metrics) Handler() Handler {
	return func(ev domain.JobEvent) {
		m.transitions.WithLabelValues(string(ev.EventType), string(ev.To)).Inc()
	}
}

// StatsFunc reads a queue snapshot, typically JobStore.Stats.
type StatsFunc func(ctx context.Context) (domain.Stats, error)

// StatsCollector exports per-state job counts on every scrape.
type StatsCollector struct {
	stats   StatsFunc
	timeout time.Duration
	jobs    *prometheus.Desc
	due     *prometheus.Desc
	up      *prometheus.Desc
}

func NewStatsCollector(stats StatsFunc) *StatsCollector {
	return &StatsCollector{
		stats:   stats,
		timeout: 5 * time.Second,
		jobs:    prometheus.NewDesc("notiq_jobs", "Jobs currently held by the store, by state.", []string{"state"}, nil),
		due:     prometheus.NewDesc("notiq_jobs_due", "Pending jobs whose next run time has passed.", nil, nil),
		up:      prometheus.NewDesc("notiq_store_up", "Whether the last stats read succeeded.", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.due
	ch <- c.up
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	s, err := c.stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for _, st := range []domain.State{domain.Pending, domain.Active, domain.Completed, domain.Dead} {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(s.Counts[st]), string(st))
	}
	ch <- prometheus.MustNewConstMetric(c.due, prometheus.GaugeValue, float64(s.Due))
}
