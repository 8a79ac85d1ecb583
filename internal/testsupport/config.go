package testsupport

import (
	"path/filepath"
	"testing"

	"haul/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.LibraryDir = filepath.Join(base, "library")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.EnvFile = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithMirrors registers local mirror peers rooted under the test base dir.
// Each peer name maps to <base>/mirrors/<name>.
func WithMirrors(peers ...string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Sources.Mirrors == nil {
			b.cfg.Sources.Mirrors = make(map[string]string, len(peers))
		}
		for _, peer := range peers {
			b.cfg.Sources.Mirrors[peer] = filepath.Join(b.baseDir, "mirrors", peer)
		}
	}
}

// WithSlots overrides the scheduler partition sizes.
func WithSlots(total, express, standard int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Scheduler.TotalSlots = total
		b.cfg.Scheduler.ExpressReserve = express
		b.cfg.Scheduler.StandardReserve = standard
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}

// WithStallSamples overrides how many flat samples mark a stall.
func WithStallSamples(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Health.StallSamples = n
	}
}
