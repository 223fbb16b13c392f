package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// statsCollector exports the scheduler snapshot, plus alert counters when
// the notifier is wired. It keeps no state of its own; every scrape reads
// live values.
type statsCollector struct {
	deps Deps

	tasks      *prometheus.Desc
	queued     *prometheus.Desc
	workers    *prometheus.Desc
	available  *prometheus.Desc
	dispatched *prometheus.Desc
	completed  *prometheus.Desc
	failed     *prometheus.Desc
	timedOut   *prometheus.Desc
	errTotal   *prometheus.Desc
	overlap    *prometheus.Desc
	stuck      *prometheus.Desc
	swept      *prometheus.Desc
	remote     *prometheus.Desc

	alertsSent       *prometheus.Desc
	alertsFailed     *prometheus.Desc
	alertsDropped    *prometheus.Desc
	alertsSuppressed *prometheus.Desc
}

func newStatsCollector(deps Deps) *statsCollector {
	return &statsCollector{
		deps: deps,

		tasks:      prometheus.NewDesc("healthcheckd_scheduler_tasks", "Live scheduled tasks.", nil, nil),
		queued:     prometheus.NewDesc("healthcheckd_scheduler_queue_entries", "Heap entries, tombstones included until swept.", nil, nil),
		workers:    prometheus.NewDesc("healthcheckd_scheduler_workers", "Size of the execution pool.", nil, nil),
		available:  prometheus.NewDesc("healthcheckd_scheduler_workers_available", "Idle execution permits.", nil, nil),
		dispatched: prometheus.NewDesc("healthcheckd_tasks_dispatched_total", "Task executions started.", nil, nil),
		completed:  prometheus.NewDesc("healthcheckd_tasks_completed_total", "Task executions that succeeded.", nil, nil),
		failed:     prometheus.NewDesc("healthcheckd_tasks_failed_total", "Task executions that returned an error.", nil, nil),
		timedOut:   prometheus.NewDesc("healthcheckd_tasks_timed_out_total", "Task executions cut off by their timeout.", nil, nil),
		errTotal:   prometheus.NewDesc("healthcheckd_task_errors_total", "Failed plus timed-out executions.", nil, nil),
		overlap:    prometheus.NewDesc("healthcheckd_overlap_skips_total", "Due runs skipped because the previous run was still active.", nil, nil),
		stuck:      prometheus.NewDesc("healthcheckd_stuck_tasks_removed_total", "Tasks force-removed after blocking past the stuck threshold.", nil, nil),
		swept:      prometheus.NewDesc("healthcheckd_tombstones_swept_total", "Removed-task heap entries discarded on pop.", nil, nil),
		remote:     prometheus.NewDesc("healthcheckd_remote_failures_total", "Remote submissions that fell back to the local pool.", nil, nil),

		alertsSent:       prometheus.NewDesc("healthcheckd_alerts_sent_total", "Alerts delivered.", nil, nil),
		alertsFailed:     prometheus.NewDesc("healthcheckd_alerts_failed_total", "Alerts that exhausted their retries.", nil, nil),
		alertsDropped:    prometheus.NewDesc("healthcheckd_alerts_dropped_total", "Alerts rejected by a full queue.", nil, nil),
		alertsSuppressed: prometheus.NewDesc("healthcheckd_alerts_suppressed_total", "Alerts swallowed by the cooldown window.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.queued
	ch <- c.workers
	ch <- c.available
	ch <- c.dispatched
	ch <- c.completed
	ch <- c.failed
	ch <- c.timedOut
	ch <- c.errTotal
	ch <- c.overlap
	ch <- c.stuck
	ch <- c.swept
	ch <- c.remote
	ch <- c.alertsSent
	ch <- c.alertsFailed
	ch <- c.alertsDropped
	ch <- c.alertsSuppressed
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.deps.Scheduler.Status()
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(snap.TasksTotal))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(snap.TasksQueued))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(snap.Workers))
	ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(snap.AvailableWorkers))
	ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(snap.Dispatched))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(snap.Completed))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(snap.Failed))
	ch <- prometheus.MustNewConstMetric(c.timedOut, prometheus.CounterValue, float64(snap.TimedOut))
	ch <- prometheus.MustNewConstMetric(c.errTotal, prometheus.CounterValue, float64(snap.ErrorTotal))
	ch <- prometheus.MustNewConstMetric(c.overlap, prometheus.CounterValue, float64(snap.OverlapSkips))
	ch <- prometheus.MustNewConstMetric(c.stuck, prometheus.CounterValue, float64(snap.StuckRemoved))
	ch <- prometheus.MustNewConstMetric(c.swept, prometheus.CounterValue, float64(snap.TombstonesSwept))
	ch <- prometheus.MustNewConstMetric(c.remote, prometheus.CounterValue, float64(snap.RemoteFailures))

	if c.deps.Notifier != nil {
		st := c.deps.Notifier.Stats()
		ch <- prometheus.MustNewConstMetric(c.alertsSent, prometheus.CounterValue, float64(st.Sent))
		ch <- prometheus.MustNewConstMetric(c.alertsFailed, prometheus.CounterValue, float64(st.Failed))
		ch <- prometheus.MustNewConstMetric(c.alertsDropped, prometheus.CounterValue, float64(st.Dropped))
		ch <- prometheus.MustNewConstMetric(c.alertsSuppressed, prometheus.CounterValue, float64(st.Suppressed))
	}
}

// newRegistry builds the scrape registry: process and Go runtime
// collectors plus the live snapshot collector. A private registry keeps
// the exposition independent of anything registered globally.
func newRegistry(deps Deps) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newStatsCollector(deps),
	)
	return reg
}
