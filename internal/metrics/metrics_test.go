package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegraph/internal/events"
	"github.com/msageha/phasegraph/internal/store"
	"github.com/msageha/phasegraph/internal/workflow"
)

func TestObserve(t *testing.T) {
	m := New()

	m.Observe(events.Event{Type: events.EventTaskSpawned, Data: map[string]interface{}{"phase": "building", "status": "blocked"}})
	m.Observe(events.Event{Type: events.EventTaskSpawned, Data: map[string]interface{}{"phase": "building", "status": "blocked"}})
	m.Observe(events.Event{Type: events.EventTaskStatusChanged, Data: map[string]interface{}{"from": "pending", "to": "in_progress"}})
	m.Observe(events.Event{Type: events.EventTaskUnblocked, Data: map[string]interface{}{}})
	m.Observe(events.Event{Type: events.EventDependencyAdded, Data: map[string]interface{}{}})
	m.Observe(events.Event{Type: events.EventBranchAbandoned, Data: map[string]interface{}{"status": "abandoned"}})
	m.Observe(events.Event{Type: events.EventAnomalyDetected, Data: map[string]interface{}{"kind": "stagnation", "severity": "high"}})
	m.Observe(events.Event{Type: events.EventGraphCorruption, Data: map[string]interface{}{}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksSpawned.WithLabelValues("building", "blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("pending", "in_progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unblocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dependenciesAdded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.branches.WithLabelValues("abandoned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues("stagnation", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.corruptions))
}

func TestObserveError(t *testing.T) {
	m := New()

	m.ObserveError("spawn_task", workflow.ErrCyclicDependency)
	m.ObserveError("update_task_status", store.Timeout("update", errors.New("deadline")))
	m.ObserveError("update_task_status", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.opErrors.WithLabelValues("spawn_task", "CYCLIC_DEPENDENCY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opErrors.WithLabelValues("update_task_status", "STORE_TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opErrors.WithLabelValues("update_task_status", "INTERNAL_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeTimeouts))
}

func TestHandler(t *testing.T) {
	m := New()
	bus := events.NewBus(1)
	defer bus.Close()
	m.WatchBus(bus)
	m.Observe(events.Event{Type: events.EventTaskUnblocked})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "phasegraph_tasks_unblocked_total 1")
	assert.Contains(t, string(body), "phasegraph_event_deliveries_dropped 0")
}
