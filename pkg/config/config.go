// Package config loads and validates the mediaforge configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the mediaforge configuration.
//
// The same configuration file drives both processes (the API server and the
// worker); each process reads only the sections it needs.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MEDIAFORGE_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Valkey configures the key-value store connection, the only shared
	// state carrier between the API and worker processes.
	Valkey ValkeyConfig `mapstructure:"valkey" yaml:"valkey"`

	// Storage configures the shared-disk directories for uploads, results
	// and the media engine scratch area.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// API contains HTTP API server configuration
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Worker contains worker loop configuration
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`

	// Cleanup contains TTL sweep configuration
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ValkeyConfig configures the Valkey (Redis-protocol) connection.
type ValkeyConfig struct {
	// Host is the Valkey host. Environment override: MEDIAFORGE_VALKEY_HOST.
	Host string `mapstructure:"host" validate:"required" yaml:"host"`

	// Port is the Valkey port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// DB is the Valkey logical database index.
	DB int `mapstructure:"db" validate:"gte=0" yaml:"db"`
}

// Addr returns the host:port address for the client.
func (c ValkeyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig configures the shared-disk layout.
//
// The uploads directory is written by the API and read by the worker; the
// results directory is written by the worker and read by the API and the
// cleanup sweep; the scratch directory is private to the media engine.
type StorageConfig struct {
	UploadsDir string `mapstructure:"uploads_dir" validate:"required" yaml:"uploads_dir"`
	ResultsDir string `mapstructure:"results_dir" validate:"required" yaml:"results_dir"`
	ScratchDir string `mapstructure:"scratch_dir" validate:"required" yaml:"scratch_dir"`
}

// EnsureDirs creates the storage directories if they do not exist.
func (c StorageConfig) EnsureDirs() error {
	for _, dir := range []string{c.UploadsDir, c.ResultsDir, c.ScratchDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// APIConfig contains HTTP API server configuration.
type APIConfig struct {
	// Port is the TCP port the API server listens on.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// ReadTimeout bounds reading request headers. Request bodies (large
	// media uploads) are not subject to it; see the server setup.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// WorkerConfig contains worker loop configuration.
type WorkerConfig struct {
	// PollInterval is the sleep between polls when the queue is empty.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0" yaml:"poll_interval"`

	// ErrorBackoff is the sleep after an unexpected loop error.
	ErrorBackoff time.Duration `mapstructure:"error_backoff" validate:"required,gt=0" yaml:"error_backoff"`
}

// CleanupConfig contains TTL sweep configuration.
type CleanupConfig struct {
	// StartupDelay is how long the sweep loop waits after process start
	// before its first pass.
	StartupDelay time.Duration `mapstructure:"startup_delay" validate:"gte=0" yaml:"startup_delay"`

	// Interval is the period between sweeps.
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0" yaml:"interval"`

	// TTL is the age a file must exceed (by mtime) to be deleted.
	TTL time.Duration `mapstructure:"ttl" validate:"required,gt=0" yaml:"ttl"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether /metrics is exposed on the API router.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the HTTP path the metrics handler is mounted at.
	Path string `mapstructure:"path" yaml:"path"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against its validate struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

// sampleConfig is the template written by InitConfig. Durations use Go
// duration syntax ("5m", "1h").
const sampleConfig = `# mediaforge configuration

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text or json
  output: stdout     # stdout, stderr, or a file path

valkey:
  host: valkey
  port: 6379
  db: 0

storage:
  uploads_dir: /disk/uploads
  results_dir: /disk/results
  scratch_dir: /disk/temp

api:
  port: 8000
  read_timeout: 30s
  idle_timeout: 2m
  shutdown_timeout: 10s

worker:
  poll_interval: 1s
  error_backoff: 5s

cleanup:
  startup_delay: 5m
  interval: 1h
  ttl: 3h

metrics:
  enabled: true
  path: /metrics
`

// InitConfig writes a sample configuration file with defaults.
// Refuses to overwrite an existing file unless force is set.
func InitConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// The template must stay loadable; catch drift early.
	if _, err := Load(path); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the MEDIAFORGE_ prefix and underscores.
	// Example: MEDIAFORGE_VALKEY_HOST=valkey
	v.SetEnvPrefix("MEDIAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("/etc/mediaforge")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "5m" or "1h" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
