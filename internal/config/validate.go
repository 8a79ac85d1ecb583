package config

import (
	"errors"
	"fmt"
	"sort"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateTimings(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StagingDir == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.TotalSlots <= 0 {
		return errors.New("scheduler.total_slots must be positive")
	}
	if s.ExpressReserve < 0 || s.StandardReserve < 0 {
		return errors.New("scheduler reserves must be >= 0")
	}
	if s.ExpressReserve+s.StandardReserve > s.TotalSlots {
		return fmt.Errorf("scheduler.express_reserve + scheduler.standard_reserve (%d) exceeds scheduler.total_slots (%d)",
			s.ExpressReserve+s.StandardReserve, s.TotalSlots)
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.StallSamples <= 0 {
		return errors.New("health.stall_samples must be positive")
	}
	if c.Health.LateStageRatio <= 0 || c.Health.LateStageRatio >= 1 {
		return errors.New("health.late_stage_ratio must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateTimings() error {
	if err := ensurePositiveMap(map[string]int{
		"health.sample_interval":     c.Health.SampleIntervalSeconds,
		"journal.write_timeout_ms":   c.Journal.WriteTimeoutMillis,
		"reputation.ban_seconds":     c.Reputation.BanSeconds,
		"retry.backoff_base_seconds": c.Retry.BackoffBaseSeconds,
		"retry.backoff_max_seconds":  c.Retry.BackoffMaxSeconds,
	}); err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffMaxSeconds < c.Retry.BackoffBaseSeconds {
		return errors.New("retry.backoff_max_seconds must be >= retry.backoff_base_seconds")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
