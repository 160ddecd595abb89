// ============================================================================
// Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Count provisioning decisions and the local node's crank, executor
//          and submission activity.
//
// Metrics:
//
//   Counters:
//     cronprov_provision_decisions_total{kind,decision}
//     cronprov_submits_total{domain,result}
//     cronprov_crank_attempts_total{result}
//     cronprov_tasks_executed_total{result}       completed|requeued|dead
//
//   Histograms:
//     cronprov_submit_duration_seconds{domain}
//     cronprov_task_duration_seconds
//
//   Gauges:
//     cronprov_tasks{status}                      tracker snapshot
//     cronprov_recovery_time_seconds
//
// Example queries:
//
//   # failed provisioning decisions per kind
//   sum by (kind) (rate(cronprov_provision_decisions_total{decision="failed"}[5m]))
//
//   # rejected submissions
//   rate(cronprov_submits_total{result="rejected"}[1m])
//
// ============================================================================

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
)

const namespace = "cronprov"

// Collector holds every metric of one process.
type Collector struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	submits       *prometheus.CounterVec
	submitLatency *prometheus.HistogramVec
	crankAttempts *prometheus.CounterVec
	tasksExecuted *prometheus.CounterVec
	taskLatency   prometheus.Histogram
	tasks         *prometheus.GaugeVec
	recoveryTime  prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_decisions_total",
			Help:      "Provisioning decisions by resource kind and outcome",
		}, []string{"kind", "decision"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Instruction batches submitted to a local domain",
		}, []string{"domain", "result"}),
		submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time to apply one instruction batch",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"domain"}),
		crankAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crank_attempts_total",
			Help:      "Attempts to queue a due job",
		}, []string{"result"}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Task executions by outcome",
		}, []string{"result"}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution latency",
			Buckets:   prometheus.DefBuckets,
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tracked tasks by status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore local state on start",
		}),
	}
	c.registry.MustRegister(
		c.decisions,
		c.submits,
		c.submitLatency,
		c.crankAttempts,
		c.tasksExecuted,
		c.taskLatency,
		c.tasks,
		c.recoveryTime,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ProvisionHook counts every decision the provisioner records.
func (c *Collector) ProvisionHook() provision.Hook {
	return func(_ string, e provision.Entry) {
		c.decisions.WithLabelValues(string(e.Kind), string(e.Decision)).Inc()
	}
}

// SubmitObserver counts submissions to a local domain.
func (c *Collector) SubmitObserver() ledger.SubmitObserver {
	return func(domain string, err error, elapsed time.Duration) {
		c.submits.WithLabelValues(domain, submitResult(err)).Inc()
		c.submitLatency.WithLabelValues(domain).Observe(elapsed.Seconds())
	}
}

// CrankObserver counts queue attempts.
func (c *Collector) CrankObserver() broker.CrankObserver {
	return func(_ string, err error) {
		c.crankAttempts.WithLabelValues(submitResult(err)).Inc()
	}
}

// RecordTaskResults counts one executor pass.
func (c *Collector) RecordTaskResults(results []taskqueue.Result, maxRetry int) {
	for _, r := range results {
		switch {
		case r.Success:
			c.tasksExecuted.WithLabelValues("completed").Inc()
			c.taskLatency.Observe(r.Duration.Seconds())
		case r.Attempt+1 >= maxRetry:
			c.tasksExecuted.WithLabelValues("dead").Inc()
		default:
			c.tasksExecuted.WithLabelValues("requeued").Inc()
		}
	}
}

// UpdateTaskStats mirrors the tracker's per-status counts.
func (c *Collector) UpdateTaskStats(stats map[taskqueue.RunStatus]int) {
	for status, n := range stats {
		c.tasks.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetRecoveryTime records how long the last restore took.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr in the background. Shut it down with
// the returned server.
func (c *Collector) StartServer(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}

func submitResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
