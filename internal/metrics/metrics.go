// Package metrics exposes pipeline counters to Prometheus. Instruments are fed
// from the event bus so producers stay metrics-free.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"chanpost/internal/compose"
	"chanpost/internal/dispatch"
	"chanpost/internal/eventbus"
	"chanpost/internal/sweep"
)

type Metrics struct {
	DispatchAttempts *prometheus.CounterVec
	DispatchRuns     *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	DerivedResults   *prometheus.CounterVec
	SweepPurged      *prometheus.CounterVec
	SweepFailures    prometheus.Counter
	ComposeDuration  *prometheus.HistogramVec
}

// New registers all instruments with reg. A private registry keeps tests
// isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanpost_dispatch_attempts_total",
			Help: "Delivery attempts by outcome reason (\"ok\" when delivered).",
		}, []string{"reason"}),
		DispatchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanpost_dispatch_runs_total",
			Help: "Dispatch runs by result.",
		}, []string{"result"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chanpost_dispatch_run_seconds",
			Help:    "Wall time of a dispatch run.",
			Buckets: prometheus.DefBuckets,
		}),
		DerivedResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanpost_derived_artifacts_total",
			Help: "Secondary-channel artifacts by status.",
		}, []string{"status"}),
		SweepPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanpost_sweep_purged_items_total",
			Help: "Items removed by retention sweeps.",
		}, []string{"kind"}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanpost_sweep_failures_total",
			Help: "Retention sweeps that failed.",
		}),
		ComposeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chanpost_compose_seconds",
			Help:    "Composition wall time by final stage (\"done\" on success).",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"stage"}),
	}
	reg.MustRegister(
		m.DispatchAttempts,
		m.DispatchRuns,
		m.DispatchDuration,
		m.DerivedResults,
		m.SweepPurged,
		m.SweepFailures,
		m.ComposeDuration,
	)
	return m
}

// Observe applies one event. Unknown events are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case dispatch.AttemptEvent:
		reason := string(d.Reason)
		if d.Delivered {
			reason = "ok"
		}
		m.DispatchAttempts.WithLabelValues(reason).Inc()
	case dispatch.Report:
		m.DispatchRuns.WithLabelValues(string(d.Result)).Inc()
		m.DispatchDuration.Observe(d.Elapsed.Seconds())
	case dispatch.DerivedEvent:
		m.DerivedResults.WithLabelValues(string(d.Status)).Inc()
	case sweep.Done:
		if d.Err != nil {
			m.SweepFailures.Inc()
			return
		}
		m.SweepPurged.WithLabelValues("unapproved").Add(float64(d.Counts.Unapproved))
		m.SweepPurged.WithLabelValues("published").Add(float64(d.Counts.Published))
	case compose.Done:
		stage := string(d.Stage)
		if stage == "" {
			stage = "done"
		}
		m.ComposeDuration.WithLabelValues(stage).Observe(d.Elapsed.Seconds())
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}
