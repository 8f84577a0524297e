package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Envelope is the wire form of an event forwarded to NATS.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder republishes bus events on "<prefix>.<event_type>" subjects.
type NATSForwarder struct {
	pub     Publisher
	prefix  string
	drain   func() error
	mu      sync.Mutex
	onError func(error)
}

// DialNATS connects to url and returns a forwarder owning the connection.
func DialNATS(url, prefix string, opts ...nats.Option) (*NATSForwarder, error) {
	opts = append([]nats.Option{
		nats.Name("phasegraph"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	f := NewNATSForwarder(conn, prefix)
	f.drain = conn.Drain
	return f, nil
}

func NewNATSForwarder(pub Publisher, prefix string) *NATSForwarder {
	return &NATSForwarder{pub: pub, prefix: prefix}
}

func (f *NATSForwarder) OnError(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = fn
}

func (f *NATSForwarder) Subject(eventType EventType) string {
	if f.prefix == "" {
		return string(eventType)
	}
	return f.prefix + "." + string(eventType)
}

// Forward publishes one event. Publish on a core NATS connection only
// buffers locally, so this does not wait on the network.
func (f *NATSForwarder) Forward(e Event) error {
	data, err := json.Marshal(Envelope{ID: e.ID, Type: e.Type, Timestamp: e.Timestamp, Data: e.Data})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	if err := f.pub.Publish(f.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish event %s: %w", e.Type, err)
	}
	return nil
}

func (f *NATSForwarder) Subscriber() Subscriber {
	return func(e Event) {
		if err := f.Forward(e); err != nil {
			f.mu.Lock()
			fn := f.onError
			f.mu.Unlock()
			if fn != nil {
				fn(err)
			}
		}
	}
}

// Close drains the connection if the forwarder dialed it.
func (f *NATSForwarder) Close() error {
	if f.drain == nil {
		return nil
	}
	return f.drain()
}
