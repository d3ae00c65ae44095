// Package metrics exposes scheduler and gateway health as Prometheus
// collectors. Collection pulls live snapshots, so there is no sampling
// goroutine to manage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeready-toolchain/orchestratorcore/pkg/scheduler"
)

// ConnectionCounter reports gateway pool sizes; implemented by
// gateway.ConnectionManager.
type ConnectionCounter interface {
	Counts() (pending, authenticated int)
}

// Collector translates scheduler stats and connection counts into
// Prometheus metrics on scrape.
type Collector struct {
	core  *scheduler.Core
	conns ConnectionCounter

	ticks        *prometheus.Desc
	skips        *prometheus.Desc
	laneActive   *prometheus.Desc
	laneQueued   *prometheus.Desc
	laneCapacity *prometheus.Desc
	connections  *prometheus.Desc
	completions  *prometheus.Desc
}

// NewCollector builds a collector. conns may be nil when the gateway is
// not running in this process.
func NewCollector(core *scheduler.Core, conns ConnectionCounter) *Collector {
	return &Collector{
		core:  core,
		conns: conns,
		ticks: prometheus.NewDesc("orchestrator_scheduler_ticks_total",
			"Completed scheduler ticks.", nil, nil),
		skips: prometheus.NewDesc("orchestrator_scheduler_tick_skips_total",
			"Ticks skipped because the previous tick overran.", nil, nil),
		laneActive: prometheus.NewDesc("orchestrator_lane_active",
			"Runs currently holding a lane slot.", []string{"lane"}, nil),
		laneQueued: prometheus.NewDesc("orchestrator_lane_queued",
			"Ready work items waiting for a lane slot.", []string{"lane"}, nil),
		laneCapacity: prometheus.NewDesc("orchestrator_lane_capacity",
			"Configured lane concurrency.", []string{"lane"}, nil),
		connections: prometheus.NewDesc("orchestrator_gateway_connections",
			"Gateway connections by pool.", []string{"pool"}, nil),
		completions: prometheus.NewDesc("orchestrator_scheduler_pending_completions",
			"Run completions waiting for the next tick.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ticks
	ch <- c.skips
	ch <- c.laneActive
	ch <- c.laneQueued
	ch <- c.laneCapacity
	ch <- c.connections
	ch <- c.completions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.core.Stats()
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(stats.Ticks))
	ch <- prometheus.MustNewConstMetric(c.skips, prometheus.CounterValue, float64(stats.Skips))
	ch <- prometheus.MustNewConstMetric(c.completions, prometheus.GaugeValue, float64(stats.PendingCompletions))
	for _, lane := range stats.Lanes {
		ch <- prometheus.MustNewConstMetric(c.laneActive, prometheus.GaugeValue, float64(lane.ActiveCount), string(lane.ID))
		ch <- prometheus.MustNewConstMetric(c.laneQueued, prometheus.GaugeValue, float64(lane.QueuedCount), string(lane.ID))
		ch <- prometheus.MustNewConstMetric(c.laneCapacity, prometheus.GaugeValue, float64(lane.MaxConcurrency), string(lane.ID))
	}
	if c.conns != nil {
		pending, authenticated := c.conns.Counts()
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(pending), "pending")
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(authenticated), "authenticated")
	}
}
