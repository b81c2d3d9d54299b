package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Function.Name == "" {
		errs = append(errs, fmt.Errorf("function.name must not be empty"))
	}
	if c.Function.MemorySize <= 0 {
		errs = append(errs, fmt.Errorf("function.memory_size must be > 0, got %d", c.Function.MemorySize))
	}
	if c.Function.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("function.timeout must be > 0, got %d", c.Function.Timeout))
	}
	if c.Function.TaskRoot == "" {
		errs = append(errs, fmt.Errorf("function.task_root must not be empty"))
	}

	if c.Runtime.Addr == "" {
		errs = append(errs, fmt.Errorf("runtime.addr must not be empty"))
	}

	if c.Invoke.StayOpen && c.Invoke.Addr == "" {
		errs = append(errs, fmt.Errorf("invoke.addr is required when invoke.stay_open is true"))
	}
	if c.Invoke.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("invoke.max_body_size must be > 0, got %d", c.Invoke.MaxBodySize))
	}

	if c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must be >= 0, got %v", c.Watch.Debounce))
	}
	if c.Watch.Enabled && len(c.Watch.Paths) == 0 {
		errs = append(errs, fmt.Errorf("watch.paths must not be empty when watch.enabled is true"))
	}

	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Path == "" {
		errs = append(errs, fmt.Errorf("observability.metrics.path must not be empty when metrics are enabled"))
	}

	return errors.Join(errs...)
}
