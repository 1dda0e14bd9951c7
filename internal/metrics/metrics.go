// Package metrics collects and exposes Prometheus metrics for the
// steward daemon. Counters and state gauges are fed from event bus
// subscriptions; roster-wide gauges are refreshed by the API layer
// before a scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stewardteam/steward/internal/events"
	"github.com/stewardteam/steward/internal/states"
)

// Collector holds all steward-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Per-process metrics.
	ProcessState  *prometheus.GaugeVec
	SpawnTotal    *prometheus.CounterVec
	ExitTotal     *prometheus.CounterVec
	BackoffTotal  *prometheus.CounterVec
	FatalTotal    *prometheus.CounterVec
	ProcessUptime *prometheus.GaugeVec

	// Listener pool metrics.
	BufferedEvents *prometheus.GaugeVec
	OverflowTotal  *prometheus.CounterVec
	RejectedTotal  *prometheus.CounterVec

	// Daemon-level metrics.
	SupervisorState     prometheus.Gauge
	SupervisorProcesses *prometheus.GaugeVec
	BuildInfo           *prometheus.GaugeVec
}

// New creates and registers all steward metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		ProcessState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_process_state",
				Help: "Current state of a managed process (numeric state code).",
			},
			[]string{"name", "group"},
		),

		SpawnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_process_spawn_total",
				Help: "Total number of spawn attempts per process.",
			},
			[]string{"name"},
		),

		ExitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_process_exit_total",
				Help: "Total number of reaped exits per process.",
			},
			[]string{"name"},
		),

		BackoffTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_process_backoff_total",
				Help: "Total number of failed starts entering backoff.",
			},
			[]string{"name"},
		),

		FatalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_process_fatal_total",
				Help: "Total number of retry exhaustions entering FATAL.",
			},
			[]string{"name"},
		),

		ProcessUptime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_process_uptime_seconds",
				Help: "Uptime of a managed process in seconds.",
			},
			[]string{"name"},
		),

		BufferedEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_listener_buffered_events",
				Help: "Events waiting in a listener pool's buffer.",
			},
			[]string{"pool"},
		),

		OverflowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_listener_overflow_total",
				Help: "Total number of buffered events discarded on overflow.",
			},
			[]string{"pool"},
		),

		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_listener_rejected_total",
				Help: "Total number of event deliveries answered FAIL or lost to listener death.",
			},
			[]string{"name"},
		),

		SupervisorState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "steward_supervisor_state",
				Help: "Daemon lifecycle state (0 running, 1 stopping, 2 stopped).",
			},
		),

		SupervisorProcesses: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_supervisor_processes",
				Help: "Number of processes per state.",
			},
			[]string{"state"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_info",
				Help: "Build information about steward.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.ProcessState,
		c.SpawnTotal,
		c.ExitTotal,
		c.BackoffTotal,
		c.FatalTotal,
		c.ProcessUptime,
		c.BufferedEvents,
		c.OverflowTotal,
		c.RejectedTotal,
		c.SupervisorState,
		c.SupervisorProcesses,
		c.BuildInfo,
	)

	return c
}

// grouped is implemented by subjects that know their group name.
type grouped interface {
	Group() string
}

// Observe wires the collector to the event bus. Handlers run on the
// supervisor loop inside Notify, so no locking beyond what the
// prometheus types already do.
func (c *Collector) Observe(bus *events.Bus) {
	bus.Subscribe(events.ProcessStateChange, func(ev events.Event) {
		sc := ev.(*events.ProcessStateChangeEvent)
		group := ""
		if g, ok := sc.Process.(grouped); ok {
			group = g.Group()
		}
		c.ProcessState.WithLabelValues(sc.Process.Name(), group).Set(float64(int(sc.To)))

		switch sc.To {
		case states.Starting:
			c.SpawnTotal.WithLabelValues(sc.Process.Name()).Inc()
		case states.Backoff:
			c.BackoffTotal.WithLabelValues(sc.Process.Name()).Inc()
		case states.Fatal:
			c.FatalTotal.WithLabelValues(sc.Process.Name()).Inc()
		case states.Exited, states.Stopped:
			c.ExitTotal.WithLabelValues(sc.Process.Name()).Inc()
		}
	})

	bus.Subscribe(events.EventBufferOverflow, func(ev events.Event) {
		of := ev.(*events.EventBufferOverflowEvent)
		c.OverflowTotal.WithLabelValues(of.Group.Name()).Inc()
	})

	bus.Subscribe(events.EventRejected, func(ev events.Event) {
		rej := ev.(*events.EventRejectedEvent)
		c.RejectedTotal.WithLabelValues(rej.Process.Name()).Inc()
	})

	bus.Subscribe(events.SupervisorStateChange, func(ev events.Event) {
		switch ev.Type() {
		case events.SupervisorRunning:
			c.SupervisorState.Set(float64(states.SupervisorRunning))
		case events.SupervisorStopping:
			c.SupervisorState.Set(float64(states.SupervisorStopping))
		}
	})
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetProcessUptime sets the uptime gauge for a process.
func (c *Collector) SetProcessUptime(name string, seconds float64) {
	c.ProcessUptime.WithLabelValues(name).Set(seconds)
}

// SetBufferedEvents sets the buffered-event gauge for a pool.
func (c *Collector) SetBufferedEvents(pool string, n int) {
	c.BufferedEvents.WithLabelValues(pool).Set(float64(n))
}

// SetProcessCount sets the count of processes in a given state.
func (c *Collector) SetProcessCount(state string, count int) {
	c.SupervisorProcesses.WithLabelValues(state).Set(float64(count))
}

// RemoveProcess cleans up metrics for a removed process.
func (c *Collector) RemoveProcess(name, group string) {
	c.ProcessState.DeleteLabelValues(name, group)
	c.SpawnTotal.DeleteLabelValues(name)
	c.ExitTotal.DeleteLabelValues(name)
	c.BackoffTotal.DeleteLabelValues(name)
	c.FatalTotal.DeleteLabelValues(name)
	c.ProcessUptime.DeleteLabelValues(name)
	c.RejectedTotal.DeleteLabelValues(name)
}
