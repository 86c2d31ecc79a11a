package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ingestforge/ingestforge/internal/domain"
)

// PipelineConfig is the declarative ordered step list of spec.md §6.
type PipelineConfig struct {
	Steps []StepConfig `yaml:"steps"`
	Retry RetryConfig  `yaml:"retry"`
}

// StepConfig is one configured pipeline entry.
type StepConfig struct {
	Name           string         `yaml:"name"`
	Concurrency    int            `yaml:"concurrency"`
	Retries        int            `yaml:"retries"`
	BackoffSeconds int            `yaml:"backoff_seconds"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Options        map[string]any `yaml:"options"`
}

// RetryConfig supplies defaults for steps that don't set their own.
type RetryConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	BackOffSeconds int `yaml:"back_off_seconds"`
}

// LoadPipelineConfig reads and parses the pipeline YAML file at path.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	var cfg PipelineConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read pipeline config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse pipeline config %s: %w", path, err)
	}
	if len(cfg.Steps) == 0 {
		return cfg, domain.ErrEmptyStepList
	}
	for i, s := range cfg.Steps {
		if s.Retries <= 0 {
			cfg.Steps[i].Retries = cfg.Retry.MaxRetries
		}
		if s.BackoffSeconds <= 0 {
			cfg.Steps[i].BackoffSeconds = cfg.Retry.BackOffSeconds
		}
	}
	return cfg, nil
}

// Descriptors converts the parsed YAML config into domain.StepDescriptor
// values in declared order.
func (c PipelineConfig) Descriptors() []domain.StepDescriptor {
	out := make([]domain.StepDescriptor, len(c.Steps))
	for i, s := range c.Steps {
		out[i] = domain.StepDescriptor{
			Name:           s.Name,
			Concurrency:    s.Concurrency,
			Retries:        s.Retries,
			BackoffSeconds: s.BackoffSeconds,
			TimeoutSeconds: s.TimeoutSeconds,
			Options:        s.Options,
		}
	}
	return out
}
