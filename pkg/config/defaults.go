package config

import "time"

// Default values for the configuration.
const (
	DefaultValkeyHost = "valkey"
	DefaultValkeyPort = 6379
	DefaultValkeyDB   = 0

	DefaultUploadsDir = "/disk/uploads"
	DefaultResultsDir = "/disk/results"
	DefaultScratchDir = "/disk/temp"

	DefaultAPIPort            = 8000
	DefaultAPIReadTimeout     = 30 * time.Second
	DefaultAPIIdleTimeout     = 120 * time.Second
	DefaultAPIShutdownTimeout = 10 * time.Second

	DefaultWorkerPollInterval = 1 * time.Second
	DefaultWorkerErrorBackoff = 5 * time.Second

	DefaultCleanupStartupDelay = 5 * time.Minute
	DefaultCleanupInterval     = 1 * time.Hour
	DefaultCleanupTTL          = 3 * time.Hour

	DefaultMetricsPath = "/metrics"
)

// GetDefaultConfig returns a configuration populated with defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Valkey: ValkeyConfig{
			Host: DefaultValkeyHost,
			Port: DefaultValkeyPort,
			DB:   DefaultValkeyDB,
		},
		Storage: StorageConfig{
			UploadsDir: DefaultUploadsDir,
			ResultsDir: DefaultResultsDir,
			ScratchDir: DefaultScratchDir,
		},
		API: APIConfig{
			Port:            DefaultAPIPort,
			ReadTimeout:     DefaultAPIReadTimeout,
			IdleTimeout:     DefaultAPIIdleTimeout,
			ShutdownTimeout: DefaultAPIShutdownTimeout,
		},
		Worker: WorkerConfig{
			PollInterval: DefaultWorkerPollInterval,
			ErrorBackoff: DefaultWorkerErrorBackoff,
		},
		Cleanup: CleanupConfig{
			StartupDelay: DefaultCleanupStartupDelay,
			Interval:     DefaultCleanupInterval,
			TTL:          DefaultCleanupTTL,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
	}
}

// ApplyDefaults fills in zero values with defaults. Called after unmarshaling
// a partial config file so absent sections behave like the defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Valkey.Host == "" {
		cfg.Valkey.Host = DefaultValkeyHost
	}
	if cfg.Valkey.Port == 0 {
		cfg.Valkey.Port = DefaultValkeyPort
	}

	if cfg.Storage.UploadsDir == "" {
		cfg.Storage.UploadsDir = DefaultUploadsDir
	}
	if cfg.Storage.ResultsDir == "" {
		cfg.Storage.ResultsDir = DefaultResultsDir
	}
	if cfg.Storage.ScratchDir == "" {
		cfg.Storage.ScratchDir = DefaultScratchDir
	}

	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = DefaultAPIReadTimeout
	}
	if cfg.API.IdleTimeout == 0 {
		cfg.API.IdleTimeout = DefaultAPIIdleTimeout
	}
	if cfg.API.ShutdownTimeout == 0 {
		cfg.API.ShutdownTimeout = DefaultAPIShutdownTimeout
	}

	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = DefaultWorkerPollInterval
	}
	if cfg.Worker.ErrorBackoff == 0 {
		cfg.Worker.ErrorBackoff = DefaultWorkerErrorBackoff
	}

	if cfg.Cleanup.StartupDelay == 0 {
		cfg.Cleanup.StartupDelay = DefaultCleanupStartupDelay
	}
	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = DefaultCleanupInterval
	}
	if cfg.Cleanup.TTL == 0 {
		cfg.Cleanup.TTL = DefaultCleanupTTL
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}
