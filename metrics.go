package jobguard

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector over a Coordinator's live
// Stats() snapshot, making stats() (spec §6) a Prometheus-scrapeable
// surface rather than only an in-memory struct a caller has to poll
// manually.
type Collector struct {
	coordinator *Coordinator

	jobsByStatus    *prometheus.Desc
	poolTotal       *prometheus.Desc
	poolIdle        *prometheus.Desc
	poolWaiting     *prometheus.Desc
	breakerState    *prometheus.Desc
	breakerFailRate *prometheus.Desc
	nextIntervalSec *prometheus.Desc
	quarantined     *prometheus.Desc
}

// NewCollector wraps c for registration against a *prometheus.Registry.
func NewCollector(c *Coordinator) *Collector {
	labels := []string{"queue"}
	return &Collector{
		coordinator:     c,
		jobsByStatus:    prometheus.NewDesc("jobguard_jobs", "Job count per status", append(labels, "status"), nil),
		poolTotal:       prometheus.NewDesc("jobguard_pool_total_conns", "Total postgres pool connections", labels, nil),
		poolIdle:        prometheus.NewDesc("jobguard_pool_idle_conns", "Idle postgres pool connections", labels, nil),
		poolWaiting:     prometheus.NewDesc("jobguard_pool_waiting_acquires", "Pool acquires that had to wait", labels, nil),
		breakerState:    prometheus.NewDesc("jobguard_breaker_state", "Circuit breaker state (0=closed,1=half-open,2=open)", labels, nil),
		breakerFailRate: prometheus.NewDesc("jobguard_breaker_failure_rate", "Windowed database call failure rate percentage", labels, nil),
		nextIntervalSec: prometheus.NewDesc("jobguard_reconciliation_next_interval_seconds", "Seconds until the next reconciliation cycle", labels, nil),
		quarantined:     prometheus.NewDesc("jobguard_reconciliation_quarantined", "1 if the reconciler is self-quarantined", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsByStatus
	ch <- c.poolTotal
	ch <- c.poolIdle
	ch <- c.poolWaiting
	ch <- c.breakerState
	ch <- c.breakerFailRate
	ch <- c.nextIntervalSec
	ch <- c.quarantined
}

// Collect implements prometheus.Collector. Stats() failures are dropped
// silently: a scrape must never panic or block on a degraded database.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.coordinator.Stats(context.Background())
	if err != nil {
		return
	}
	queue := c.coordinator.queue

	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(stats.Jobs.Pending), queue, "pending")
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(stats.Jobs.Processing), queue, "processing")
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(stats.Jobs.Completed), queue, "completed")
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(stats.Jobs.Failed), queue, "failed")
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(stats.Jobs.Stuck), queue, "stuck")
	ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(stats.Jobs.Dead), queue, "dead")

	ch <- prometheus.MustNewConstMetric(c.poolTotal, prometheus.GaugeValue, float64(stats.Pool.Total), queue)
	ch <- prometheus.MustNewConstMetric(c.poolIdle, prometheus.GaugeValue, float64(stats.Pool.Idle), queue)
	ch <- prometheus.MustNewConstMetric(c.poolWaiting, prometheus.GaugeValue, float64(stats.Pool.Waiting), queue)

	ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, float64(stats.Breaker.State), queue)
	ch <- prometheus.MustNewConstMetric(c.breakerFailRate, prometheus.GaugeValue, stats.Breaker.WindowedFailureRate, queue)

	ch <- prometheus.MustNewConstMetric(c.nextIntervalSec, prometheus.GaugeValue, stats.NextInterval.Seconds(), queue)
	quarantined := 0.0
	if stats.Quarantined {
		quarantined = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.quarantined, prometheus.GaugeValue, quarantined, queue)
}
