package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSForwarder_Subject(t *testing.T) {
	assert.Equal(t, "pg.events.task_spawned", NewNATSForwarder(nil, "pg.events").Subject(EventTaskSpawned))
	assert.Equal(t, "task_spawned", NewNATSForwarder(nil, "").Subject(EventTaskSpawned))
}

func TestNATSForwarder_ForwardEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	f := NewNATSForwarder(pub, "phasegraph.events")
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, f.Forward(Event{
		ID:        "evt-1",
		Type:      EventAnomalyDetected,
		Timestamp: ts,
		Data:      map[string]interface{}{"execution_id": "exec_1", "kind": "stagnation"},
	}))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "phasegraph.events.anomaly_detected", pub.subjects[0])

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.payloads[0], &env))
	assert.Equal(t, "evt-1", env.ID)
	assert.Equal(t, EventAnomalyDetected, env.Type)
	assert.True(t, env.Timestamp.Equal(ts))
	assert.Equal(t, "stagnation", env.Data["kind"])
}

func TestNATSForwarder_SubscriberReportsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	f := NewNATSForwarder(pub, "x")
	var got error
	f.OnError(func(err error) { got = err })

	f.Subscriber()(Event{Type: EventTaskSpawned})
	require.Error(t, got)
	assert.Contains(t, got.Error(), "connection closed")
	assert.NoError(t, f.Close())
}

func TestDialNATS_Unreachable(t *testing.T) {
	_, err := DialNATS("nats://127.0.0.1:1", "x")
	assert.Error(t, err)
}
