// SPDX-License-Identifier: AGPL-3.0-or-later

/*
planrunner - a state machine that drives a DAG of execution-plan steps
from pending to terminal, with dynamic fan-out, retries, concurrency
admission, and provenance-based skipping.

This program is free software licensed under the terms of the GNU AGPL v3
or later. See https://www.gnu.org/licenses/ for license details.
*/

// Package config defines the planrunner driver configuration schema and
// helpers for loading and validating it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"planrunner/pkg/execplan"
)

// ErrConfigNotFound is returned when the config file does not exist at the
// given path.
var ErrConfigNotFound = errors.New("planrunner config not found")

// Config is the top-level planrunner driver configuration.
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	Store     StoreConfig     `yaml:"store"`
}

// ExecutionConfig configures the ActiveExecution driver loop: retry
// policy and the two admission controls (global cap, tag buckets).
type ExecutionConfig struct {
	RetryMode         string               `yaml:"retry_mode"`
	MaxConcurrent     int                  `yaml:"max_concurrent,omitempty"`
	PollInterval      string               `yaml:"poll_interval,omitempty"`
	TagConcurrency    []TagConcurrencyRule `yaml:"tag_concurrency,omitempty"`
	WorkerConcurrency int                  `yaml:"worker_concurrency,omitempty"`
}

// TagConcurrencyRule mirrors execplan.TagConcurrencyRule in its YAML
// spelling.
type TagConcurrencyRule struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value,omitempty"`
	Limit int    `yaml:"limit"`
}

// StoreConfig configures the event/snapshot store.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// PollIntervalDuration parses ExecutionConfig.PollInterval, defaulting to 500ms
// if unset.
func (e ExecutionConfig) PollIntervalDuration() (time.Duration, error) {
	if e.PollInterval == "" {
		return 500 * time.Millisecond, nil
	}
	return time.ParseDuration(e.PollInterval)
}

// RetryModeValue parses Execution.RetryMode into an execplan.RetryMode.
func (e ExecutionConfig) RetryModeValue() (execplan.RetryMode, error) {
	mode, ok := execplan.ParseRetryMode(e.RetryMode)
	if !ok {
		return 0, fmt.Errorf("config: execution.retry_mode %q is not one of disabled, enabled, deferred", e.RetryMode)
	}
	return mode, nil
}

// Rules converts the YAML tag-concurrency rules into execplan's form.
func (e ExecutionConfig) Rules() []execplan.TagConcurrencyRule {
	out := make([]execplan.TagConcurrencyRule, len(e.TagConcurrency))
	for i, r := range e.TagConcurrency {
		out[i] = execplan.TagConcurrencyRule{Key: r.Key, Value: r.Value, Limit: r.Limit}
	}
	return out
}

// DefaultConfigPath returns the default config path for the current
// working directory.
func DefaultConfigPath() string {
	return "planrunner.yml"
}

// Exists reports whether a config file exists at the given path. It
// returns (false, nil) if the file does not exist.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads and validates the config from the given path.
//
// It returns ErrConfigNotFound if the file does not exist.
func Load(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}
	if !exists {
		return nil, ErrConfigNotFound
	}

	// nolint:gosec // G304: reading config file from user-specified path is expected behavior
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if _, err := cfg.Execution.RetryModeValue(); err != nil {
		return err
	}
	if _, err := cfg.Execution.PollIntervalDuration(); err != nil {
		return fmt.Errorf("config: execution.poll_interval: %w", err)
	}
	if cfg.Execution.MaxConcurrent < 0 {
		return errors.New("config: execution.max_concurrent must not be negative")
	}
	if cfg.Execution.WorkerConcurrency < 0 {
		return errors.New("config: execution.worker_concurrency must not be negative")
	}

	for i, rule := range cfg.Execution.TagConcurrency {
		if rule.Key == "" {
			return fmt.Errorf("config: execution.tag_concurrency[%d].key must be non-empty", i)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("config: execution.tag_concurrency[%d].limit must be positive", i)
		}
	}

	if cfg.Store.PostgresDSN == "" {
		return errors.New("config: store.postgres_dsn must be non-empty")
	}

	return nil
}
