package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	got := make(chan Event, 1)
	unsub := bus.Subscribe(EventTaskSpawned, func(e Event) { got <- e })
	defer unsub()

	bus.Publish(EventTaskSpawned, map[string]interface{}{
		"task_id": "task_123",
	})

	e := waitFor(t, got)
	if e.Type != EventTaskSpawned {
		t.Errorf("expected type %s, got %s", EventTaskSpawned, e.Type)
	}
	if taskID, ok := e.Data["task_id"].(string); !ok || taskID != "task_123" {
		t.Errorf("expected task_id task_123, got %v", e.Data["task_id"])
	}
	if e.ID == "" {
		t.Error("expected event id to be assigned")
	}
}

func TestBus_AllEventsPreservesOrder(t *testing.T) {
	bus := NewBus(20)
	defer bus.Close()

	got := make(chan Event, 20)
	unsub := bus.Subscribe(AllEvents, func(e Event) { got <- e })
	defer unsub()

	order := []EventType{EventTaskSpawned, EventTaskStatusChanged, EventTaskUnblocked, EventBranchMerged}
	for _, et := range order {
		bus.Publish(et, nil)
	}
	for i, want := range order {
		if e := waitFor(t, got); e.Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, e.Type)
		}
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	got1 := make(chan Event, 1)
	got2 := make(chan Event, 1)
	defer bus.Subscribe(EventBranchCreated, func(e Event) { got1 <- e })()
	defer bus.Subscribe(EventBranchCreated, func(e Event) { got2 <- e })()

	bus.Publish(EventBranchCreated, map[string]interface{}{"branch_id": "br_1"})

	e1 := waitFor(t, got1)
	e2 := waitFor(t, got2)
	if e1.ID != e2.ID {
		t.Errorf("subscribers saw different events: %s vs %s", e1.ID, e2.ID)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	unsub := bus.Subscribe(EventTaskSpawned, func(e Event) { <-release })
	defer unsub()
	defer close(release)

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventTaskSpawned, map[string]interface{}{"id": i})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v, expected non-blocking", elapsed)
	}
	if bus.Dropped() == 0 {
		t.Error("expected drops to be counted for the saturated subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	seen := make(chan struct{}, 2)

	unsub := bus.Subscribe(EventTaskSpawned, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
		seen <- struct{}{}
	})

	bus.Publish(EventTaskSpawned, map[string]interface{}{})
	<-seen

	unsub()
	unsub() // second call is a no-op

	bus.Publish(EventTaskSpawned, map[string]interface{}{})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", count)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	panicked := make(chan EventType, 1)
	bus.OnPanic(func(et EventType, _ any) { panicked <- et })

	defer bus.Subscribe(EventTaskSpawned, func(e Event) { panic("test panic") })()
	got := make(chan Event, 1)
	defer bus.Subscribe(EventTaskSpawned, func(e Event) { got <- e })()

	bus.Publish(EventTaskSpawned, map[string]interface{}{})

	waitFor(t, got)
	select {
	case et := <-panicked:
		if et != EventTaskSpawned {
			t.Errorf("panic hook saw %s", et)
		}
	case <-time.After(time.Second):
		t.Error("panic hook was not called")
	}
}

func TestBus_EventTypesAreIsolated(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	spawned := make(chan Event, 4)
	merged := make(chan Event, 4)
	defer bus.Subscribe(EventTaskSpawned, func(e Event) { spawned <- e })()
	defer bus.Subscribe(EventBranchMerged, func(e Event) { merged <- e })()

	bus.Publish(EventTaskSpawned, nil)
	bus.Publish(EventBranchMerged, nil)
	bus.Publish(EventTaskSpawned, nil)

	waitFor(t, spawned)
	waitFor(t, spawned)
	waitFor(t, merged)
	select {
	case e := <-merged:
		t.Errorf("unexpected extra event %s", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMultiAndRecorder(t *testing.T) {
	var a, b Recorder
	m := Multi(&a, &b, Discard)
	m.Emit(EventTaskSpawned, map[string]interface{}{"task_id": "t1"})
	m.Emit(EventTaskUnblocked, map[string]interface{}{"task_id": "t2"})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("expected both recorders to see 2 events, got %d and %d", len(a.Events()), len(b.Events()))
	}
	if got := a.OfType(EventTaskUnblocked); len(got) != 1 || got[0].Data["task_id"] != "t2" {
		t.Errorf("unexpected unblocked events: %+v", got)
	}
	a.Reset()
	if len(a.Events()) != 0 {
		t.Error("reset did not clear recorder")
	}
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(EventTaskSpawned, func(e Event) {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventTaskSpawned, map[string]interface{}{
			"task_id": "task_123",
		})
	}
}
