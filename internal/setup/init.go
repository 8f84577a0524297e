// Package setup initializes a phasegraph state directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/yaml"
	"github.com/msageha/phasegraph/templates"
)

// AgentInstructionsFile is the agent guide written next to the config.
const AgentInstructionsFile = "AGENTS.md"

// Options adjust the generated config.
type Options struct {
	// Driver overrides store.driver ("sqlite" or "memory").
	Driver string
	// NATSURL enables event forwarding when set.
	NATSURL string
	// MetricsAddr enables the /metrics endpoint when set.
	MetricsAddr string
}

// Run creates dir with a default config, the audit directory and the agent
// guide. An existing config is never overwritten.
func Run(dir string, opts Options) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}

	cfgPath := filepath.Join(absDir, yaml.DefaultConfigFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	if err := os.MkdirAll(absDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	content, err := generateConfig(opts)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	cfg, err := yaml.ParseConfig(content)
	if err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if cfg.Events.AuditLog != "" {
		auditDir := filepath.Dir(filepath.Join(absDir, cfg.Events.AuditLog))
		if err := os.MkdirAll(auditDir, 0755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}
	if err := yaml.WriteFileAtomic(cfgPath, content); err != nil {
		return fmt.Errorf("write %s: %w", yaml.DefaultConfigFile, err)
	}

	return copyTemplateFile("agent.md", filepath.Join(absDir, AgentInstructionsFile))
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// generateConfig returns the template config, re-encoded only when an
// option changes it so the template's comments survive the common case.
func generateConfig(opts Options) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	if opts == (Options{}) {
		return data, nil
	}

	cfg, err := yaml.ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	apply(&cfg, opts)
	return yaml.MarshalConfig(cfg)
}

func apply(cfg *model.Config, opts Options) {
	if opts.Driver != "" {
		cfg.Store.Driver = opts.Driver
	}
	if opts.NATSURL != "" {
		cfg.Events.NATS.URL = opts.NATSURL
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.ListenAddr = opts.MetricsAddr
	}
}
