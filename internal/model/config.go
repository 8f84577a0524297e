package model

import "time"

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Coherence CoherenceConfig `yaml:"coherence"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" or "memory"
	Path        string `yaml:"path"`
	OpTimeoutMs int    `yaml:"op_timeout_ms"`
}

type EventsConfig struct {
	BusBuffer     int        `yaml:"bus_buffer"`
	AuditLog      string     `yaml:"audit_log"`
	AuditMaxBytes int64      `yaml:"audit_max_bytes"`
	NATS          NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL           string `yaml:"url"` // empty disables NATS publishing
	SubjectPrefix string `yaml:"subject_prefix"`
}

type CoherenceConfig struct {
	ImbalanceRatio     float64 `yaml:"imbalance_ratio"`
	ImbalanceMinTasks  int     `yaml:"imbalance_min_tasks"`
	StagnationAfterSec int     `yaml:"stagnation_after_sec"`
	BlockedFraction    float64 `yaml:"blocked_fraction"`
	SweepIntervalSec   int     `yaml:"sweep_interval_sec"`
	SweepConcurrency   int     `yaml:"sweep_concurrency"`
	DefaultWindowSec   int     `yaml:"default_window_sec"`
	ResultTTLMs        int     `yaml:"result_ttl_ms"` // anomaly result cache; negative disables
}

type DaemonConfig struct {
	Socket             string `yaml:"socket"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the /metrics endpoint
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "phasegraph.db"
	}
	if c.Store.OpTimeoutMs <= 0 {
		c.Store.OpTimeoutMs = 5000
	}
	if c.Events.BusBuffer <= 0 {
		c.Events.BusBuffer = 100
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "phasegraph.events"
	}
	if c.Coherence.ImbalanceRatio <= 0 {
		c.Coherence.ImbalanceRatio = 3.0
	}
	if c.Coherence.ImbalanceMinTasks <= 0 {
		c.Coherence.ImbalanceMinTasks = 10
	}
	if c.Coherence.StagnationAfterSec <= 0 {
		c.Coherence.StagnationAfterSec = 24 * 60 * 60
	}
	if c.Coherence.BlockedFraction <= 0 {
		c.Coherence.BlockedFraction = 0.4
	}
	if c.Coherence.SweepIntervalSec <= 0 {
		c.Coherence.SweepIntervalSec = 300
	}
	if c.Coherence.SweepConcurrency <= 0 {
		c.Coherence.SweepConcurrency = 4
	}
	if c.Coherence.DefaultWindowSec <= 0 {
		c.Coherence.DefaultWindowSec = 3600
	}
	if c.Coherence.ResultTTLMs == 0 {
		c.Coherence.ResultTTLMs = 1000
	}
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = "phasegraph.sock"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c StoreConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMs) * time.Millisecond
}

func (c CoherenceConfig) StagnationAfter() time.Duration {
	return time.Duration(c.StagnationAfterSec) * time.Second
}

func (c CoherenceConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c CoherenceConfig) DefaultWindow() time.Duration {
	return time.Duration(c.DefaultWindowSec) * time.Second
}

func (c CoherenceConfig) ResultTTL() time.Duration {
	if c.ResultTTLMs < 0 {
		return 0
	}
	return time.Duration(c.ResultTTLMs) * time.Millisecond
}
