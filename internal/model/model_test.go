package model

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store.driver = %q", cfg.Store.Driver)
	}
	if cfg.Store.OpTimeout() != 5*time.Second {
		t.Errorf("store.op_timeout = %v", cfg.Store.OpTimeout())
	}
	if cfg.Coherence.ImbalanceRatio != 3.0 {
		t.Errorf("coherence.imbalance_ratio = %v", cfg.Coherence.ImbalanceRatio)
	}
	if cfg.Coherence.ImbalanceMinTasks != 10 {
		t.Errorf("coherence.imbalance_min_tasks = %d", cfg.Coherence.ImbalanceMinTasks)
	}
	if cfg.Coherence.StagnationAfter() != 24*time.Hour {
		t.Errorf("coherence.stagnation_after = %v", cfg.Coherence.StagnationAfter())
	}
	if cfg.Coherence.BlockedFraction != 0.4 {
		t.Errorf("coherence.blocked_fraction = %v", cfg.Coherence.BlockedFraction)
	}
	if cfg.Coherence.ResultTTL() != time.Second {
		t.Errorf("coherence.result_ttl = %v", cfg.Coherence.ResultTTL())
	}
	if cfg.Events.NATS.SubjectPrefix != "phasegraph.events" {
		t.Errorf("events.nats.subject_prefix = %q", cfg.Events.NATS.SubjectPrefix)
	}
}

func TestConfigUnmarshalKeepsExplicitValues(t *testing.T) {
	data := []byte(`
store:
  driver: memory
  op_timeout_ms: 250
coherence:
  imbalance_ratio: 5
  blocked_fraction: 0.25
logging:
  level: debug
`)
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	cfg.ApplyDefaults()

	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver: got %q, want memory", cfg.Store.Driver)
	}
	if cfg.Store.OpTimeout() != 250*time.Millisecond {
		t.Errorf("store.op_timeout: got %v", cfg.Store.OpTimeout())
	}
	if cfg.Coherence.ImbalanceRatio != 5 {
		t.Errorf("coherence.imbalance_ratio: got %v, want 5", cfg.Coherence.ImbalanceRatio)
	}
	if cfg.Coherence.BlockedFraction != 0.25 {
		t.Errorf("coherence.blocked_fraction: got %v", cfg.Coherence.BlockedFraction)
	}
	if cfg.Coherence.ImbalanceMinTasks != 10 {
		t.Errorf("coherence.imbalance_min_tasks should default, got %d", cfg.Coherence.ImbalanceMinTasks)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level: got %q", cfg.Logging.Level)
	}
}

func TestSeverityForRatio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  Severity
	}{
		{1.1, SeverityLow},
		{2.0, SeverityLow},
		{2.5, SeverityMedium},
		{4.0, SeverityMedium},
		{4.01, SeverityHigh},
		{100, SeverityHigh},
	}
	for _, tt := range tests {
		if got := SeverityForRatio(tt.ratio); got != tt.want {
			t.Errorf("SeverityForRatio(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestTaskCloneDoesNotAlias(t *testing.T) {
	orig := Task{ID: "task_1", BlockedBy: []string{"a"}, Blocks: []string{"b"}}
	cp := orig.Clone()
	cp.BlockedBy[0] = "changed"
	cp.Blocks = append(cp.Blocks, "c")

	if orig.BlockedBy[0] != "a" {
		t.Errorf("clone aliased BlockedBy: %v", orig.BlockedBy)
	}
	if len(orig.Blocks) != 1 {
		t.Errorf("clone aliased Blocks: %v", orig.Blocks)
	}
}
