// Package metrics exposes Prometheus collectors fed from the event bus and
// from snapshots of the worker pool.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geopub/internal/eventbus"
	"geopub/internal/model"
	"geopub/internal/task/engine"
	logx "geopub/pkg/logx"
)

const namespace = "geopub"

// Collector owns a private registry so tests and multiple instances do not
// collide on the global one.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	publishTasks   *prometheus.CounterVec
	publishRetries *prometheus.CounterVec
	authSessions   *prometheus.CounterVec
	checkRuns      prometheus.Counter
	checkAccounts  *prometheus.GaugeVec
	poolRuns       *prometheus.CounterVec
	poolDuration   *prometheus.HistogramVec
	poolQueueDelay prometheus.Histogram
}

func New(log logx.Logger) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		publishTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "tasks_total",
			Help:      "Publish tasks that reached a terminal status.",
		}, []string{"platform", "status", "kind"}),
		publishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "retries_total",
			Help:      "Publish attempts returned to pending for another try.",
		}, []string{"platform"}),
		authSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "sessions_total",
			Help:      "Login sessions by terminal state.",
		}, []string{"platform", "state"}),
		checkRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "account_check",
			Name:      "runs_total",
			Help:      "Completed account check runs.",
		}),
		checkAccounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account_check",
			Name:      "accounts",
			Help:      "Accounts by validity in the last check run.",
		}, []string{"valid"}),
		poolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "task_events_total",
			Help:      "Worker pool lifecycle events by task name and phase.",
		}, []string{"name", "phase"}),
		poolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Run time of tasks that left the worker pool.",
			Buckets:   []float64{.05, .25, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"name"}),
		poolQueueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_delay_seconds",
			Help:      "Time tasks waited in the queue before a worker picked them up.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.publishTasks,
		c.publishRetries,
		c.authSessions,
		c.checkRuns,
		c.checkAccounts,
		c.poolRuns,
		c.poolDuration,
		c.poolQueueDelay,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// WatchEngine exports gauges read from snap at scrape time.
func (c *Collector) WatchEngine(snap func() engine.Snapshot) {
	gauge := func(name, help string, read func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return read(snap()) })
	}
	counter := func(name, help string, read func(engine.Snapshot) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(snap())) })
	}
	c.reg.MustRegister(
		gauge("workers", "Configured workers.", func(s engine.Snapshot) float64 { return float64(s.Workers) }),
		gauge("in_flight", "Tasks currently running.", func(s engine.Snapshot) float64 { return float64(s.InFlight) }),
		gauge("queue_length", "Tasks waiting for a worker.", func(s engine.Snapshot) float64 { return float64(s.QueueLen) }),
		gauge("circuit_open", "Task names whose circuit breaker is open.", func(s engine.Snapshot) float64 { return float64(s.CircuitOpen) }),
		counter("dropped_total", "Tasks dropped after acceptance.", func(s engine.Snapshot) uint64 { return s.Dropped }),
		counter("panics_total", "Recovered task panics.", func(s engine.Snapshot) uint64 { return s.Panics }),
	)
}

// WatchFaults exports the publish scheduler's internal fault count.
func (c *Collector) WatchFaults(read func() uint64) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "publish",
		Name:      "faults_total",
		Help:      "Publish failures caused by internal faults rather than the platform.",
	}, func() float64 { return float64(read()) }))
}

// WatchBus exports deliveries the bus skipped for slow subscribers.
func (c *Collector) WatchBus(bus eventbus.Bus) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Events not delivered because a subscriber buffer was full.",
	}, func() float64 { return float64(eventbus.Dropped(bus)) }))
}

// Observe folds one event into the collectors.
func (c *Collector) Observe(ev eventbus.Event) error {
	switch p := ev.Payload.(type) {
	case eventbus.PublishProgress:
		t := p.Task
		switch {
		case t.Status.Terminal():
			c.publishTasks.WithLabelValues(t.Platform, string(t.Status), t.ErrorKind).Inc()
		case t.Status == model.TaskPending && t.RetryCount > 0:
			c.publishRetries.WithLabelValues(t.Platform).Inc()
		}
	case eventbus.AuthComplete:
		c.authSessions.WithLabelValues(p.Session.Platform, string(p.Session.State)).Inc()
	case eventbus.AccountCheckProgress:
	case eventbus.AccountCheckComplete:
		c.checkRuns.Inc()
		c.checkAccounts.WithLabelValues("true").Set(float64(p.Summary.Success))
		c.checkAccounts.WithLabelValues("false").Set(float64(p.Summary.Failed))
	case eventbus.TaskLifecycle:
		name := taskLabel(p.Name)
		c.poolRuns.WithLabelValues(name, string(p.Phase)).Inc()
		switch p.Phase {
		case eventbus.PhaseStarted:
			c.poolQueueDelay.Observe(p.QueueDelay.Seconds())
		case eventbus.PhaseFinished, eventbus.PhaseFailed:
			c.poolDuration.WithLabelValues(name).Observe(p.Duration.Seconds())
		}
	default:
		return eventbus.UnknownPayloadError{Kind: ev.Kind, Payload: ev.Payload}
	}
	return nil
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.Observe(ev); err != nil {
				c.log.Warn("event ignored", logx.Err(err))
			}
		}
	}
}

// taskLabel keeps label cardinality bounded: job names are fixed and
// anything unexpected collapses into "other".
func taskLabel(name string) string {
	switch {
	case name == "publish":
		return name
	case strings.HasPrefix(name, "job."):
		return name
	case name == "":
		return "unnamed"
	default:
		return "other"
	}
}
