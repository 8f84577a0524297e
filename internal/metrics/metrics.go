// Package metrics exposes Prometheus collectors fed from the event bus and
// the engine's error observer.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/phasegraph/internal/events"
	"github.com/msageha/phasegraph/internal/store"
	"github.com/msageha/phasegraph/internal/workflow"
)

const namespace = "phasegraph"

type Metrics struct {
	registry *prometheus.Registry

	tasksSpawned      *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	unblocked         prometheus.Counter
	dependenciesAdded prometheus.Counter
	branches          *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	corruptions       prometheus.Counter
	opErrors          *prometheus.CounterVec
	storeTimeouts     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_spawned_total",
			Help:      "Tasks created, by phase and initial status.",
		}, []string{"phase", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status changes, by source and target status.",
		}, []string{"from", "to"}),
		unblocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_unblocked_total",
			Help:      "Dependents moved from blocked to pending by a cascade.",
		}),
		dependenciesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependencies_added_total",
			Help:      "AddDependency calls that inserted at least one edge.",
		}),
		branches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_transitions_total",
			Help:      "Branch lifecycle events, by resulting status.",
		}, []string{"status"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Coherence anomalies emitted by sweeps.",
		}, []string{"kind", "severity"}),
		corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_corruptions_total",
			Help:      "Executions quarantined after a failed graph check.",
		}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed engine operations, by operation and error code.",
		}, []string{"op", "code"}),
		storeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_timeouts_total",
			Help:      "Operations that hit the store or lock timeout.",
		}),
	}
	m.registry.MustRegister(
		m.tasksSpawned, m.transitions, m.unblocked, m.dependenciesAdded,
		m.branches, m.anomalies, m.corruptions, m.opErrors, m.storeTimeouts,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchBus exports the bus's dropped-delivery count as a gauge.
func (m *Metrics) WatchBus(bus *events.Bus) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_deliveries_dropped",
		Help:      "Event deliveries skipped because a subscriber buffer was full.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

func label(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// Observe updates counters from one event. It is a bus Subscriber.
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.EventTaskSpawned:
		m.tasksSpawned.WithLabelValues(label(e.Data, "phase"), label(e.Data, "status")).Inc()
	case events.EventTaskStatusChanged:
		m.transitions.WithLabelValues(label(e.Data, "from"), label(e.Data, "to")).Inc()
	case events.EventTaskUnblocked:
		m.unblocked.Inc()
	case events.EventDependencyAdded:
		m.dependenciesAdded.Inc()
	case events.EventBranchCreated, events.EventBranchMerged, events.EventBranchAbandoned, events.EventBranchCompleted:
		m.branches.WithLabelValues(label(e.Data, "status")).Inc()
	case events.EventAnomalyDetected:
		m.anomalies.WithLabelValues(label(e.Data, "kind"), label(e.Data, "severity")).Inc()
	case events.EventGraphCorruption:
		m.corruptions.Inc()
	}
}

// ObserveError is installed as the engine's error observer.
func (m *Metrics) ObserveError(op string, err error) {
	m.opErrors.WithLabelValues(op, workflow.Code(err)).Inc()
	if errors.Is(err, store.ErrTimeout) {
		m.storeTimeouts.Inc()
	}
}
