package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LibraryDir string `toml:"library_dir"`
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
	EnvFile    string `toml:"env_file"`
}

// Scheduler contains slot partitioning for the priority lanes. Background
// receives whatever remains after the Express and Standard reserves.
type Scheduler struct {
	TotalSlots      int `toml:"total_slots"`
	ExpressReserve  int `toml:"express_reserve"`
	StandardReserve int `toml:"standard_reserve"`
	MinDwellSeconds int `toml:"min_dwell_seconds"`
}

// Health contains stall detection settings.
type Health struct {
	SampleIntervalSeconds int     `toml:"sample_interval"`
	StallSamples          int     `toml:"stall_samples"`
	LateStageRatio        float64 `toml:"late_stage_ratio"`
}

// Journal contains recovery journal settings.
type Journal struct {
	WriteTimeoutMillis int `toml:"write_timeout_ms"`
	HeartbeatRetries   int `toml:"heartbeat_retries"`
}

// Reputation contains source ban settings.
type Reputation struct {
	BanSeconds int `toml:"ban_seconds"`
}

// Retry contains the per-item retry budget and backoff bounds.
type Retry struct {
	MaxRetries         int `toml:"max_retries"`
	BackoffBaseSeconds int `toml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `toml:"backoff_max_seconds"`
}

// Sources maps peer identifiers to local mirror directories.
type Sources struct {
	Mirrors map[string]string `toml:"mirrors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format     string            `toml:"format"`
	Level      string            `toml:"level"`
	Components map[string]string `toml:"components"`
}

// Config encapsulates all configuration values for haul.
//
// Configuration sections by subsystem:
//   - Paths: staging, library, state, and log directories
//   - Scheduler: lane slot partitions and preemption dwell
//   - Health: stall sampling period and thresholds
//   - Journal: durable write timeout and heartbeat retries
//   - Reputation: source ban duration
//   - Retry: retry budget and backoff bounds
//   - Sources: local mirror peers
//   - Logging: log format, level, and per-component overrides
type Config struct {
	Paths      Paths      `toml:"paths"`
	Scheduler  Scheduler  `toml:"scheduler"`
	Health     Health     `toml:"health"`
	Journal    Journal    `toml:"journal"`
	Reputation Reputation `toml:"reputation"`
	Retry      Retry      `toml:"retry"`
	Sources    Sources    `toml:"sources"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.loadEnvFile(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadEnvFile populates the process environment from the optional dotenv
// file. Variables already set win over the file.
func (c *Config) loadEnvFile() error {
	envPath := strings.TrimSpace(c.Paths.EnvFile)
	if envPath == "" {
		return nil
	}
	expanded, err := expandPath(envPath)
	if err != nil {
		return fmt.Errorf("paths.env_file: %w", err)
	}
	c.Paths.EnvFile = expanded
	if err := godotenv.Load(expanded); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", expanded, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("haul.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// LibraryDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

// JournalPath is the SQLite recovery journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.StateDir, "journal.db")
}

// DeadLetterPath is the Pebble directory holding dead-letter records.
func (c *Config) DeadLetterPath() string {
	return filepath.Join(c.Paths.StateDir, "deadletter")
}

// SocketPath is the Unix socket the daemon serves IPC on.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "haul.sock")
}

// LockPath is the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "haul.lock")
}

// SampleInterval is the heartbeat period.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Health.SampleIntervalSeconds) * time.Second
}

// JournalWriteTimeout bounds every journal write.
func (c *Config) JournalWriteTimeout() time.Duration {
	return time.Duration(c.Journal.WriteTimeoutMillis) * time.Millisecond
}

// BanDuration is how long a stalled source stays excluded.
func (c *Config) BanDuration() time.Duration {
	return time.Duration(c.Reputation.BanSeconds) * time.Second
}

// MinDwell is the minimum time between two preemptions of the same item.
func (c *Config) MinDwell() time.Duration {
	return time.Duration(c.Scheduler.MinDwellSeconds) * time.Second
}

// BackoffBase is the first retry delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseSeconds) * time.Second
}

// BackoffMax caps the retry delay.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
