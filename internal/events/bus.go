package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventTaskSpawned       EventType = "task_spawned"
	EventTaskStatusChanged EventType = "task_status_changed"
	EventTaskUnblocked     EventType = "task_unblocked"
	EventDependencyAdded   EventType = "task_dependency_added"
	EventTaskAttached      EventType = "task_attached"
	EventBranchCreated     EventType = "branch_created"
	EventBranchMerged      EventType = "branch_merged"
	EventBranchAbandoned   EventType = "branch_abandoned"
	EventBranchCompleted   EventType = "branch_completed"
	EventAnomalyDetected   EventType = "anomaly_detected"
	EventGraphCorruption   EventType = "graph_corruption"

	// AllEvents subscribes to every event type.
	AllEvents EventType = "*"
)

// Event represents a system event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Emitter is the publishing side used by the engine. Emit must not block.
type Emitter interface {
	Emit(eventType EventType, data map[string]interface{})
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels, in publish order
// per subscriber. If a subscriber's channel is full, the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Int64
	onPanic     func(EventType, any)
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// OnPanic installs a hook called when a subscriber panics. Must be set before Subscribe.
func (b *Bus) OnPanic(fn func(EventType, any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// Subscribe registers a subscriber for a specific event type, or AllEvents.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	onPanic := b.onPanic

	go func() {
		for event := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil && onPanic != nil {
						onPanic(event.Type, r)
					}
				}()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

// Publish sends an event to all subscribers of the given type and to
// AllEvents subscribers. It never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.deliver(b.subscribers[eventType], event)
	if eventType != AllEvents {
		b.deliver(b.subscribers[AllEvents], event)
	}
}

func (b *Bus) deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(eventType EventType, data map[string]interface{}) {
	b.Publish(eventType, data)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

// Multi fans one Emit out to several emitters.
func Multi(emitters ...Emitter) Emitter {
	return multi(emitters)
}

type multi []Emitter

func (m multi) Emit(eventType EventType, data map[string]interface{}) {
	for _, e := range m {
		e.Emit(eventType, data)
	}
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(EventType, map[string]interface{}) {}

// Recorder keeps emitted events in memory, synchronously. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(eventType EventType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of one type in emission order.
func (r *Recorder) OfType(eventType EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
