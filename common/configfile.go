package common

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSelectorPollIntervalMS = 100
	DefaultMemoryRecalcIntervalMS = 30_000
	DefaultFreeMemoryRatio        = 0.8
	DefaultHeartbeatIntervalMS    = 5_000
)

// MemoryConfig sizes the process-wide memory arbiter. If FixedLimitKB is set
// it wins over the host-derived figure; otherwise the limit is
// floor(hostFreeKB × FreeMemoryRatio), recomputed every RecalcIntervalMS.
type MemoryConfig struct {
	FreeMemoryRatio  float64 `yaml:"freeMemoryRatio" json:"freeMemoryRatio"`
	RecalcIntervalMS int64   `yaml:"recalculationIntervalMS" json:"recalculationIntervalMS"`
	FixedLimitKB     int64   `yaml:"fixedLimitKB" json:"fixedLimitKB"`
}

// Config is the full declaration of one limiter instance.
type Config struct {
	InstanceID      string                   `yaml:"instanceId" json:"instanceId"`
	EscalationOrder []string                 `yaml:"escalationOrder" json:"escalationOrder"`
	Models          map[string]ModelConfig   `yaml:"models" json:"models"`
	JobTypes        map[string]JobTypeConfig `yaml:"jobTypes" json:"jobTypes"`
	DefaultJobType  string                   `yaml:"defaultJobType" json:"defaultJobType"`

	SelectorPollIntervalMS int64        `yaml:"selectorPollIntervalMS" json:"selectorPollIntervalMS"`
	Memory                 MemoryConfig `yaml:"memory" json:"memory"`
	HeartbeatIntervalMS    int64        `yaml:"heartbeatIntervalMS" json:"heartbeatIntervalMS"`

	// KeyPrefix groups this fleet's keys in the coordinator's store.
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix"`
}

func (c *Config) SelectorPollInterval() time.Duration {
	return time.Duration(c.SelectorPollIntervalMS) * time.Millisecond
}

func (c *Config) MemoryRecalcInterval() time.Duration {
	return time.Duration(c.Memory.RecalcIntervalMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// ApplyDefaults fills unset tunables. Called by Validate, exposed for callers
// that build a Config in code.
func (c *Config) ApplyDefaults() {
	if c.SelectorPollIntervalMS == 0 {
		c.SelectorPollIntervalMS = DefaultSelectorPollIntervalMS
	}
	if c.Memory.RecalcIntervalMS == 0 {
		c.Memory.RecalcIntervalMS = DefaultMemoryRecalcIntervalMS
	}
	if c.Memory.FreeMemoryRatio == 0 {
		c.Memory.FreeMemoryRatio = DefaultFreeMemoryRatio
	}
	if c.HeartbeatIntervalMS == 0 {
		c.HeartbeatIntervalMS = DefaultHeartbeatIntervalMS
	}
	if c.DefaultJobType == "" && len(c.JobTypes) == 1 {
		for name := range c.JobTypes {
			c.DefaultJobType = name
		}
	}
}

func (c *Config) Validate() error {
	c.ApplyDefaults()

	if len(c.EscalationOrder) == 0 {
		return errors.New("escalationOrder must name at least one model")
	}
	if len(c.Models) == 0 {
		return errors.New("at least one model must be declared")
	}
	seen := make(map[string]bool, len(c.EscalationOrder))
	for _, id := range c.EscalationOrder {
		if _, ok := c.Models[id]; !ok {
			return errors.Wrapf(ErrUnknownModel, "escalationOrder names %q", id)
		}
		if seen[id] {
			return errors.Errorf("escalationOrder repeats model %q", id)
		}
		seen[id] = true
	}
	for id, m := range c.Models {
		if err := m.Validate(); err != nil {
			return errors.Wrapf(err, "model %q", id)
		}
	}
	for name, jt := range c.JobTypes {
		if err := jt.Validate(); err != nil {
			return errors.Wrapf(err, "job type %q", name)
		}
		for modelID := range jt.MaxWaitMS {
			if _, ok := c.Models[modelID]; !ok {
				return errors.Wrapf(ErrUnknownModel, "job type %q maxWaitMS names %q", name, modelID)
			}
		}
	}
	if c.DefaultJobType != "" {
		if _, ok := c.JobTypes[c.DefaultJobType]; !ok {
			return errors.Wrapf(ErrUnknownJobType, "defaultJobType %q", c.DefaultJobType)
		}
	}
	if c.Memory.FreeMemoryRatio < 0 || c.Memory.FreeMemoryRatio > 1 {
		return errors.New("memory.freeMemoryRatio must be within [0, 1]")
	}
	return nil
}

// LoadConfig reads a YAML config file. Unknown fields are rejected so typos
// fail loudly at startup rather than silently configuring nothing.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validate config %s", path)
	}
	return &cfg, nil
}
