package config

const (
	defaultConfigPath          = "~/.config/haul/config.toml"
	defaultStagingDir          = "~/.local/share/haul/staging"
	defaultLibraryDir          = "~/downloads"
	defaultStateDir            = "~/.local/share/haul/state"
	defaultLogDir              = "~/.local/share/haul/logs"
	defaultEnvFile             = "~/.config/haul/haul.env"
	defaultTotalSlots          = 6
	defaultExpressReserve      = 2
	defaultStandardReserve     = 2
	defaultMinDwellSeconds     = 60
	defaultSampleInterval      = 15
	defaultStallSamples        = 4
	defaultLateStageRatio      = 0.9
	defaultJournalWriteTimeout = 2000
	defaultHeartbeatRetries    = 3
	defaultBanSeconds          = 3600
	defaultMaxRetries          = 3
	defaultBackoffBaseSeconds  = 30
	defaultBackoffMaxSeconds   = 600
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LibraryDir: defaultLibraryDir,
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
			EnvFile:    defaultEnvFile,
		},
		Scheduler: Scheduler{
			TotalSlots:      defaultTotalSlots,
			ExpressReserve:  defaultExpressReserve,
			StandardReserve: defaultStandardReserve,
			MinDwellSeconds: defaultMinDwellSeconds,
		},
		Health: Health{
			SampleIntervalSeconds: defaultSampleInterval,
			StallSamples:          defaultStallSamples,
			LateStageRatio:        defaultLateStageRatio,
		},
		Journal: Journal{
			WriteTimeoutMillis: defaultJournalWriteTimeout,
			HeartbeatRetries:   defaultHeartbeatRetries,
		},
		Reputation: Reputation{
			BanSeconds: defaultBanSeconds,
		},
		Retry: Retry{
			MaxRetries:         defaultMaxRetries,
			BackoffBaseSeconds: defaultBackoffBaseSeconds,
			BackoffMaxSeconds:  defaultBackoffMaxSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
