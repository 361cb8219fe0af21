// Package metrics exposes runtime counters as Prometheus collectors.
//
// The queue, scheduler, and worker pools already keep their own lifetime
// counters; the collectors here read their snapshots at scrape time, so no
// hot path ever touches a metric.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskrig/pkg/queue"
	"taskrig/pkg/schedule"
	"taskrig/pkg/worker"
)

type Metrics struct {
	reg *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{reg: reg}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveQueue(mgr *queue.Manager) {
	m.reg.MustRegister(&queueCollector{mgr: mgr})
}

func (m *Metrics) ObserveScheduler(s *schedule.Scheduler) {
	m.reg.MustRegister(&schedulerCollector{s: s})
}

func (m *Metrics) ObservePool(name string, p *worker.Processor) {
	m.reg.MustRegister(&poolCollector{name: name, p: p})
}

// ---- queue ----

var (
	descQueuePending = prometheus.NewDesc(
		"taskrig_queue_pending", "Jobs waiting per deferral level.", []string{"level"}, nil)
	descQueueEnqueued = prometheus.NewDesc(
		"taskrig_queue_enqueued_total", "Jobs accepted by the queue.", nil, nil)
	descQueueTaken = prometheus.NewDesc(
		"taskrig_queue_taken_total", "Jobs handed to workers.", nil, nil)
	descQueueReverted = prometheus.NewDesc(
		"taskrig_queue_reverted_total", "Jobs pushed back for another attempt.", nil, nil)
)

type queueCollector struct {
	mgr *queue.Manager
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descQueuePending
	ch <- descQueueEnqueued
	ch <- descQueueTaken
	ch <- descQueueReverted
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.mgr.Snapshot()
	for lv, n := range snap.Pending {
		ch <- prometheus.MustNewConstMetric(descQueuePending, prometheus.GaugeValue,
			float64(n), strconv.Itoa(lv))
	}
	ch <- prometheus.MustNewConstMetric(descQueueEnqueued, prometheus.CounterValue, float64(snap.Enqueued))
	ch <- prometheus.MustNewConstMetric(descQueueTaken, prometheus.CounterValue, float64(snap.Taken))
	ch <- prometheus.MustNewConstMetric(descQueueReverted, prometheus.CounterValue, float64(snap.Reverted))
}

// ---- scheduler ----

var (
	descSchedTasks = prometheus.NewDesc(
		"taskrig_schedule_tasks", "Tasks currently scheduled.", nil, nil)
	descSchedFired = prometheus.NewDesc(
		"taskrig_schedule_fired_total", "Occurrences fired.", nil, nil)
)

type schedulerCollector struct {
	s *schedule.Scheduler
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSchedTasks
	ch <- descSchedFired
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.s.Snapshot()
	ch <- prometheus.MustNewConstMetric(descSchedTasks, prometheus.GaugeValue, float64(len(snap.Tasks)))
	ch <- prometheus.MustNewConstMetric(descSchedFired, prometheus.CounterValue, float64(snap.Fired))
}

// ---- worker pools ----

var (
	descPoolFabricated = prometheus.NewDesc(
		"taskrig_pool_fabricated_total", "Arguments fabricated by the pool.", []string{"pool"}, nil)
	descPoolExecuted = prometheus.NewDesc(
		"taskrig_pool_executed_total", "Job attempts executed by the pool.", []string{"pool"}, nil)
	descPoolReverted = prometheus.NewDesc(
		"taskrig_pool_reverted_total", "Jobs reverted by the pool.", []string{"pool"}, nil)
)

type poolCollector struct {
	name string
	p    *worker.Processor
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPoolFabricated
	ch <- descPoolExecuted
	ch <- descPoolReverted
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.p.Snapshot()
	ch <- prometheus.MustNewConstMetric(descPoolFabricated, prometheus.CounterValue, float64(snap.Fabricated), c.name)
	ch <- prometheus.MustNewConstMetric(descPoolExecuted, prometheus.CounterValue, float64(snap.Executed), c.name)
	ch <- prometheus.MustNewConstMetric(descPoolReverted, prometheus.CounterValue, float64(snap.Reverted), c.name)
}
