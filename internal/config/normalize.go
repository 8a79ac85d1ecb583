package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnvOverrides()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeSources(); err != nil {
		return err
	}
	c.normalizeScheduler()
	c.normalizeHealth()
	c.normalizeJournal()
	c.normalizeLogging()
	return nil
}

// applyEnvOverrides lets the environment (or the dotenv file) replace a few
// frequently tuned settings without editing the TOML file.
func (c *Config) applyEnvOverrides() {
	if value, ok := os.LookupEnv("HAUL_STAGING_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.StagingDir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("HAUL_LIBRARY_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.LibraryDir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("HAUL_STATE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.StateDir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("HAUL_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	if value, ok := os.LookupEnv("HAUL_TOTAL_SLOTS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			c.Scheduler.TotalSlots = n
		}
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeSources() error {
	if len(c.Sources.Mirrors) == 0 {
		return nil
	}
	mirrors := make(map[string]string, len(c.Sources.Mirrors))
	for peer, dir := range c.Sources.Mirrors {
		peer = strings.TrimSpace(peer)
		if peer == "" {
			continue
		}
		expanded, err := expandPath(strings.TrimSpace(dir))
		if err != nil {
			return fmt.Errorf("sources.mirrors.%s: %w", peer, err)
		}
		mirrors[peer] = expanded
	}
	c.Sources.Mirrors = mirrors
	return nil
}

func (c *Config) normalizeScheduler() {
	if c.Scheduler.MinDwellSeconds < 0 {
		c.Scheduler.MinDwellSeconds = 0
	}
}

func (c *Config) normalizeHealth() {
	if c.Health.LateStageRatio == 0 {
		c.Health.LateStageRatio = defaultLateStageRatio
	}
}

func (c *Config) normalizeJournal() {
	if c.Journal.HeartbeatRetries <= 0 {
		c.Journal.HeartbeatRetries = defaultHeartbeatRetries
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if len(c.Logging.Components) > 0 {
		components := make(map[string]string, len(c.Logging.Components))
		for name, level := range c.Logging.Components {
			components[strings.ToLower(strings.TrimSpace(name))] = strings.ToLower(strings.TrimSpace(level))
		}
		c.Logging.Components = components
	}
}
