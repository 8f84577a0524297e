package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var out []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestNewAuditLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("Log file was not created")
	}
}

func TestNewAuditLogger_AddsExtension(t *testing.T) {
	logger, err := NewAuditLogger(filepath.Join(t.TempDir(), "events"), 0)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()
	if !strings.HasSuffix(logger.Path(), LogFileExtension) {
		t.Errorf("expected %s suffix, got %s", LogFileExtension, logger.Path())
	}
}

func TestAuditLogger_LogLiftsIDs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	err = logger.Log(EventTaskStatusChanged, map[string]interface{}{
		"execution_id": "exec_1",
		"task_id":      "task_1",
		"branch_id":    "br_1",
		"from":         "pending",
		"to":           "in_progress",
	})
	if err != nil {
		t.Fatalf("Failed to log: %v", err)
	}

	entries := readEntries(t, logPath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != string(EventTaskStatusChanged) || e.ExecutionID != "exec_1" || e.TaskID != "task_1" || e.BranchID != "br_1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Details["to"] != "in_progress" {
		t.Errorf("details not preserved: %v", e.Details)
	}
}

func TestAuditLogger_Subscriber(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}

	bus := NewBus(10)
	done := make(chan struct{}, 2)
	sink := logger.Subscriber()
	unsub := bus.Subscribe(AllEvents, func(e Event) {
		sink(e)
		done <- struct{}{}
	})
	bus.Publish(EventBranchCreated, map[string]interface{}{"branch_id": "br_9"})
	bus.Publish(EventBranchAbandoned, map[string]interface{}{"branch_id": "br_9", "reason": "dead end"})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for audit sink")
		}
	}
	unsub()
	bus.Close()
	logger.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventID == "" || entries[0].BranchID != "br_9" {
		t.Errorf("bus metadata not carried: %+v", entries[0])
	}
	if entries[1].EventType != string(EventBranchAbandoned) {
		t.Errorf("order not preserved: %s", entries[1].EventType)
	}
}

func TestAuditLogger_SubscriberReportsErrors(t *testing.T) {
	logger, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	var got error
	logger.OnError(func(err error) { got = err })
	logger.Close()

	logger.Subscriber()(Event{Type: EventTaskSpawned})
	if got == nil {
		t.Error("expected write to closed log to be reported")
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := logger.Log(EventTaskSpawned, map[string]interface{}{"task_id": fmt.Sprintf("t%d_%d", g, i)}); err != nil {
					t.Errorf("log: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	logger.Close()

	if n := len(readEntries(t, logPath)); n != 200 {
		t.Errorf("expected 200 intact entries, got %d", n)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "audit.jsonl")

	logger, err := NewAuditLogger(logPath, 1024)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}
	defer logger.Close()

	largeDetails := map[string]interface{}{
		"data": "This is a test entry with some content to increase size",
		"more": "Additional data to make the entry larger",
	}

	rotationOccurred := false
	for i := 0; i < 100; i++ {
		if err := logger.Log(EventType(fmt.Sprintf("event_%d", i)), largeDetails); err != nil {
			t.Fatalf("Failed to log entry: %v", err)
		}
		files, _ := os.ReadDir(filepath.Join(tempDir, ArchiveDir))
		if len(files) > 0 {
			rotationOccurred = true
			break
		}
	}

	if !rotationOccurred {
		t.Error("Log rotation did not occur despite exceeding max size")
	}
	if logger.Size() > 1024 {
		t.Errorf("current file should have been restarted, size %d", logger.Size())
	}
}

func TestVerifyLogIntegrity(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}

	logger.EnableChecksum(true)
	for i := 0; i < 5; i++ {
		if err := logger.Log(EventTaskSpawned, map[string]interface{}{"index": i}); err != nil {
			t.Fatalf("Failed to log entry: %v", err)
		}
	}
	logger.EnableChecksum(false)
	for i := 5; i < 10; i++ {
		if err := logger.Log(EventTaskSpawned, map[string]interface{}{"index": i}); err != nil {
			t.Fatalf("Failed to log entry: %v", err)
		}
	}
	logger.Close()

	total, valid, err := VerifyLogIntegrity(logPath)
	if err != nil {
		t.Fatalf("Failed to verify log integrity: %v", err)
	}
	if total != 10 || valid != 10 {
		t.Errorf("got total=%d valid=%d, want 10/10", total, valid)
	}

	// tamper with the first checksummed line
	data, _ := os.ReadFile(logPath)
	tampered := strings.Replace(string(data), `"index":0`, `"index":99`, 1)
	if err := os.WriteFile(logPath, []byte(tampered+"not json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	total, valid, err = VerifyLogIntegrity(logPath)
	if err != nil {
		t.Fatalf("Failed to verify log integrity: %v", err)
	}
	if total != 10 || valid != 9 {
		t.Errorf("after tampering got total=%d valid=%d, want 10/9", total, valid)
	}
}

func TestAuditLogger_FileRecovery(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	logger1, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create first logger: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := logger1.Log(EventTaskSpawned, map[string]interface{}{"index": i}); err != nil {
			t.Fatalf("Failed to log entry: %v", err)
		}
	}
	logger1.Close()

	logger2, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("Failed to create second logger: %v", err)
	}
	if logger2.Size() == 0 {
		t.Error("reopened logger should pick up the existing size")
	}
	for i := 5; i < 10; i++ {
		if err := logger2.Log(EventTaskSpawned, map[string]interface{}{"index": i}); err != nil {
			t.Fatalf("Failed to log entry: %v", err)
		}
	}
	logger2.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries after restart, got %d", len(entries))
	}
	for i, e := range entries {
		if idx, _ := e.Details["index"].(float64); int(idx) != i {
			t.Errorf("entry %d has index %v", i, e.Details["index"])
		}
	}
}
