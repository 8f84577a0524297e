package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/phasegraph/internal/model"
)

const DefaultConfigFile = "phasegraph.yaml"

// LoadConfig reads path, rejecting unknown keys, and applies defaults.
// A missing file yields the default config.
func LoadConfig(path string) (model.Config, error) {
	var cfg model.Config
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg.ApplyDefaults()
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(content)
}

func ParseConfig(content []byte) (model.Config, error) {
	var cfg model.Config
	dec := yamlv3.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MarshalConfig encodes cfg in the config file layout.
func MarshalConfig(cfg model.Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

func validateConfig(cfg model.Config) error {
	var problems []string
	switch cfg.Store.Driver {
	case "sqlite", "memory":
	default:
		problems = append(problems, fmt.Sprintf("store.driver: unknown driver %q (sqlite, memory)", cfg.Store.Driver))
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Coherence.ImbalanceRatio <= 1 {
		problems = append(problems, fmt.Sprintf("coherence.imbalance_ratio: must be > 1, got %v", cfg.Coherence.ImbalanceRatio))
	}
	if cfg.Coherence.BlockedFraction >= 1 {
		problems = append(problems, fmt.Sprintf("coherence.blocked_fraction: must be < 1, got %v", cfg.Coherence.BlockedFraction))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
