package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/phasegraph/internal/yaml"
)

func TestRun_WritesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	if err := Run(dir, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfgPath := filepath.Join(dir, yaml.DefaultConfigFile)
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(raw), "# phasegraph daemon configuration") {
		t.Error("template comments should be kept when no option is set")
	}

	cfg, err := yaml.LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store.driver: got %q", cfg.Store.Driver)
	}
	if cfg.Events.AuditLog != "audit/events" {
		t.Errorf("events.audit_log: got %q", cfg.Events.AuditLog)
	}
	if cfg.Daemon.Socket != "phasegraph.sock" {
		t.Errorf("daemon.socket: got %q", cfg.Daemon.Socket)
	}

	if info, err := os.Stat(filepath.Join(dir, "audit")); err != nil || !info.IsDir() {
		t.Errorf("audit dir not created: %v", err)
	}

	guide, err := os.ReadFile(filepath.Join(dir, AgentInstructionsFile))
	if err != nil {
		t.Fatalf("read agent guide: %v", err)
	}
	if !strings.Contains(string(guide), "get_executable_tasks") {
		t.Error("agent guide should describe the MCP tools")
	}
}

func TestRun_AppliesOptions(t *testing.T) {
	dir := t.TempDir()

	opts := Options{Driver: "memory", NATSURL: "nats://127.0.0.1:4222", MetricsAddr: "127.0.0.1:9464"}
	if err := Run(dir, opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := yaml.LoadConfig(filepath.Join(dir, yaml.DefaultConfigFile))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver: got %q", cfg.Store.Driver)
	}
	if cfg.Events.NATS.URL != opts.NATSURL {
		t.Errorf("events.nats.url: got %q", cfg.Events.NATS.URL)
	}
	if cfg.Metrics.ListenAddr != opts.MetricsAddr {
		t.Errorf("metrics.listen_addr: got %q", cfg.Metrics.ListenAddr)
	}
	if cfg.Coherence.ImbalanceRatio != 3.0 {
		t.Errorf("untouched fields should keep template values, imbalance_ratio=%v", cfg.Coherence.ImbalanceRatio)
	}
}

func TestRun_RejectsBadDriver(t *testing.T) {
	dir := t.TempDir()
	err := Run(dir, Options{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "store.driver") {
		t.Errorf("error should name the field: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, yaml.DefaultConfigFile)); !os.IsNotExist(statErr) {
		t.Error("no config should be written when validation fails")
	}
}

func TestRun_RefusesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, yaml.DefaultConfigFile)
	if err := os.WriteFile(cfgPath, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Run(dir, Options{}); err == nil {
		t.Fatal("expected error when config exists")
	}
	raw, _ := os.ReadFile(cfgPath)
	if string(raw) != "logging:\n  level: debug\n" {
		t.Error("existing config must not be modified")
	}
}
