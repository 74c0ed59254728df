package app

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/nuetzliches/queuekeeper/internal/dispatcher"
)

const metricsNamespace = "queuekeeper"

type statusSource interface {
	Status() dispatcher.Status
}

// runtimeMetrics adapts dispatcher, admission and retention hooks to
// Prometheus collectors. Queue gauges are read from Status() on scrape.
type runtimeMetrics struct {
	tasksTotal          *prom.CounterVec
	waitSeconds         prom.Histogram
	execSeconds         *prom.HistogramVec
	admissionTotal      *prom.CounterVec
	retentionRunsTotal  *prom.CounterVec
	retentionAffected   *prom.CounterVec
	tracingExportErrors prom.Counter
	tracingInitFailures prom.Counter
	configReloadsTotal  *prom.CounterVec
}

func newRuntimeMetrics(reg prom.Registerer) (*runtimeMetrics, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	tasks := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "tasks_total",
		Help:      "Tasks by terminal outcome.",
	}, []string{"outcome"})
	wait := prom.NewHistogram(prom.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "task_wait_seconds",
		Help:      "Time tasks spent queued before a worker picked them up.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	exec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "task_execution_seconds",
		Help:      "Task execution time.",
		Buckets:   prom.DefBuckets,
	}, []string{"outcome"})
	admission := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "admission_decisions_total",
		Help:      "Admission decisions for proxied requests.",
	}, []string{"decision"})
	retentionRuns := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retention_runs_total",
		Help:      "Retention job runs by result.",
	}, []string{"job", "result"})
	retentionAffected := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retention_rows_affected_total",
		Help:      "History rows soft- or hard-deleted by retention jobs.",
	}, []string{"job"})
	exportErrors := prom.NewCounter(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "tracing_export_errors_total",
		Help:      "OpenTelemetry export errors.",
	})
	initFailures := prom.NewCounter(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "tracing_init_failures_total",
		Help:      "Tracing exporter initialization failures.",
	})
	reloads := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "config_reloads_total",
		Help:      "Config reload attempts by result.",
	}, []string{"result"})

	var err error
	if tasks, err = registerCollector(reg, tasks); err != nil {
		return nil, err
	}
	if wait, err = registerCollector(reg, wait); err != nil {
		return nil, err
	}
	if exec, err = registerCollector(reg, exec); err != nil {
		return nil, err
	}
	if admission, err = registerCollector(reg, admission); err != nil {
		return nil, err
	}
	if retentionRuns, err = registerCollector(reg, retentionRuns); err != nil {
		return nil, err
	}
	if retentionAffected, err = registerCollector(reg, retentionAffected); err != nil {
		return nil, err
	}
	if exportErrors, err = registerCollector(reg, exportErrors); err != nil {
		return nil, err
	}
	if initFailures, err = registerCollector(reg, initFailures); err != nil {
		return nil, err
	}
	if reloads, err = registerCollector(reg, reloads); err != nil {
		return nil, err
	}

	return &runtimeMetrics{
		tasksTotal:          tasks,
		waitSeconds:         wait,
		execSeconds:         exec,
		admissionTotal:      admission,
		retentionRunsTotal:  retentionRuns,
		retentionAffected:   retentionAffected,
		tracingExportErrors: exportErrors,
		tracingInitFailures: initFailures,
		configReloadsTotal:  reloads,
	}, nil
}

// observeTask matches dispatcher.Dispatcher.ObserveTask.
func (m *runtimeMetrics) observeTask(outcome dispatcher.Outcome, wait, exec time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == dispatcher.OutcomeOverloaded {
		return
	}
	m.waitSeconds.Observe(wait.Seconds())
	m.execSeconds.WithLabelValues(string(outcome)).Observe(exec.Seconds())
}

func (m *runtimeMetrics) observeDecision(decision string) {
	if m == nil {
		return
	}
	m.admissionTotal.WithLabelValues(normalizeLabel(decision, "unknown")).Inc()
}

func (m *runtimeMetrics) observeRetention(job string, affected int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.retentionRunsTotal.WithLabelValues(job, result).Inc()
	if affected > 0 {
		m.retentionAffected.WithLabelValues(job).Add(float64(affected))
	}
}

func (m *runtimeMetrics) observeReload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.configReloadsTotal.WithLabelValues(result).Inc()
}

// queueCollector exports a Status() snapshot per scrape.
type queueCollector struct {
	source  statusSource
	journal *dispatcher.Journal

	queueLength    *prom.Desc
	processing     *prom.Desc
	maxConcurrency *prom.Desc
	maxQueueSize   *prom.Desc
	oldestWaiting  *prom.Desc
	estimatedWait  *prom.Desc
	avgWait        *prom.Desc
	journalDropped *prom.Desc
	journalFailed  *prom.Desc
}

var _ prom.Collector = (*queueCollector)(nil)

func newQueueCollector(source statusSource, journal *dispatcher.Journal) *queueCollector {
	desc := func(name, help string) *prom.Desc {
		return prom.NewDesc(prom.BuildFQName(metricsNamespace, "", name), help, nil, nil)
	}
	return &queueCollector{
		source:         source,
		journal:        journal,
		queueLength:    desc("queue_length", "Tasks waiting for a worker."),
		processing:     desc("queue_processing", "Tasks currently executing."),
		maxConcurrency: desc("queue_max_concurrency", "Configured worker count."),
		maxQueueSize:   desc("queue_max_size", "Configured wait queue capacity."),
		oldestWaiting:  desc("queue_oldest_waiting_seconds", "Age of the oldest waiting task."),
		estimatedWait:  desc("queue_estimated_wait_seconds", "Estimated wait for a newly admitted task."),
		avgWait:        desc("queue_avg_wait_seconds", "Mean wait of processed tasks."),
		journalDropped: desc("history_journal_dropped_total", "History writes dropped because the journal buffer was full."),
		journalFailed:  desc("history_journal_failed_total", "History writes the store rejected."),
	}
}

func (c *queueCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.queueLength
	ch <- c.processing
	ch <- c.maxConcurrency
	ch <- c.maxQueueSize
	ch <- c.oldestWaiting
	ch <- c.estimatedWait
	ch <- c.avgWait
	if c.journal != nil {
		ch <- c.journalDropped
		ch <- c.journalFailed
	}
}

func (c *queueCollector) Collect(ch chan<- prom.Metric) {
	st := c.source.Status()
	ch <- prom.MustNewConstMetric(c.queueLength, prom.GaugeValue, float64(st.QueueLength))
	ch <- prom.MustNewConstMetric(c.processing, prom.GaugeValue, float64(st.Processing))
	ch <- prom.MustNewConstMetric(c.maxConcurrency, prom.GaugeValue, float64(st.MaxConcurrency))
	ch <- prom.MustNewConstMetric(c.maxQueueSize, prom.GaugeValue, float64(st.MaxQueueSize))
	ch <- prom.MustNewConstMetric(c.oldestWaiting, prom.GaugeValue, msToSeconds(st.OldestWaitingMs))
	ch <- prom.MustNewConstMetric(c.estimatedWait, prom.GaugeValue, msToSeconds(st.EstimatedWaitMs))
	ch <- prom.MustNewConstMetric(c.avgWait, prom.GaugeValue, msToSeconds(st.Metrics.AvgWaitMs))
	if c.journal != nil {
		ch <- prom.MustNewConstMetric(c.journalDropped, prom.CounterValue, float64(c.journal.Dropped()))
		ch <- prom.MustNewConstMetric(c.journalFailed, prom.CounterValue, float64(c.journal.Failed()))
	}
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
