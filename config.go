package firesync

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/firesync/firesync.go/pkg/backoff"
	"github.com/firesync/firesync.go/pkg/constants"
	"github.com/firesync/firesync.go/pkg/logger"
	slogadapter "github.com/firesync/firesync.go/pkg/logger/slog"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config describes how a Repository reaches the database and how it logs,
// measures and persists its subscriptions.
type Config struct {
	ProjectID  string `yaml:"projectId"`
	DatabaseID string `yaml:"databaseId"`
	// Endpoint overrides the production endpoint, host:port.
	Endpoint string `yaml:"endpoint"`
	// EmulatorHost connects without TLS or credentials, host:port.
	EmulatorHost    string `yaml:"emulatorHost"`
	CredentialsFile string `yaml:"credentialsFile"`

	Backoff    BackoffConfig    `yaml:"backoff"`
	Log        LogConfig        `yaml:"log"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	MaxRetries   int           `yaml:"maxRetries"`
}

type LogConfig struct {
	// Level is a zerolog level name. Defaults to info.
	Level string `yaml:"level"`
	// Format is json or console (zerolog), or text (log/slog).
	Format string `yaml:"format"`
	// Path appends logs to a file instead of stdout.
	Path string `yaml:"path"`
}

type CheckpointConfig struct {
	// Dir enables persisted checkpoints in a Pebble database.
	Dir string `yaml:"dir"`
	// Fsync syncs each save on its own. Otherwise saves are synced in groups.
	Fsync bool `yaml:"fsync"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Environment variables read by ApplyEnv on top of the standard ones in
// package constants.
const (
	DatabaseIDEnv    = "FIRESYNC_DATABASE_ID"
	LogLevelEnv      = "FIRESYNC_LOG_LEVEL"
	CheckpointDirEnv = "FIRESYNC_CHECKPOINT_DIR"
	MaxRetriesEnv    = "FIRESYNC_MAX_RETRIES"
	InitialDelayEnv  = "FIRESYNC_INITIAL_DELAY"
	MaxDelayEnv      = "FIRESYNC_MAX_DELAY"
)

var ErrInvalidConfig = errors.New("invalid config")

func DefaultConfig() *Config {
	return &Config{
		DatabaseID: constants.DefaultDatabaseID,
		Backoff: BackoffConfig{
			InitialDelay: backoff.DefaultInitialDelay,
			MaxDelay:     backoff.DefaultMaxDelay,
			MaxRetries:   backoff.DefaultMaxRetries,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads a YAML file over the defaults and applies the
// environment. An empty path only applies the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields with the environment variables that are set.
func (c *Config) ApplyEnv() error {
	c.ProjectID = GetEnvOrDefault(constants.ProjectIDEnv, c.ProjectID)
	c.DatabaseID = GetEnvOrDefault(DatabaseIDEnv, c.DatabaseID)
	c.EmulatorHost = GetEnvOrDefault(constants.EmulatorHostEnv, c.EmulatorHost)
	c.CredentialsFile = GetEnvOrDefault(constants.CredentialsFileEnv, c.CredentialsFile)
	c.Log.Level = GetEnvOrDefault(LogLevelEnv, c.Log.Level)
	c.Checkpoint.Dir = GetEnvOrDefault(CheckpointDirEnv, c.Checkpoint.Dir)

	var err error
	if c.Backoff.MaxRetries, err = GetEnvInt(MaxRetriesEnv, c.Backoff.MaxRetries); err != nil {
		return err
	}
	if c.Backoff.InitialDelay, err = GetEnvDuration(InitialDelayEnv, c.Backoff.InitialDelay); err != nil {
		return err
	}
	if c.Backoff.MaxDelay, err = GetEnvDuration(MaxDelayEnv, c.Backoff.MaxDelay); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return constants.ErrNoProjectID
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: backoff delays must not be negative", ErrInvalidConfig)
	}
	if c.Backoff.MaxRetries < 0 {
		return fmt.Errorf("%w: backoff.maxRetries must not be negative", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "", "json", "console", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// backoffOptions skips zero values so the package defaults apply.
func (c *Config) backoffOptions() []backoff.Option {
	var opts []backoff.Option
	if c.Backoff.InitialDelay > 0 {
		opts = append(opts, backoff.WithInitialDelay(c.Backoff.InitialDelay))
	}
	if c.Backoff.MaxDelay > 0 {
		opts = append(opts, backoff.WithMaxDelay(c.Backoff.MaxDelay))
	}
	if c.Backoff.MaxRetries > 0 {
		opts = append(opts, backoff.WithMaxRetries(c.Backoff.MaxRetries))
	}
	return opts
}

// build returns the logger and, when logging to a path, the file to close.
func (c LogConfig) build() (logger.Logger, *os.File, error) {
	b := logger.Build().Level(c.Level).FromPath(c.Path)
	if c.Format == "console" {
		b = b.Console()
	}
	data, err := b.Make()
	if err != nil {
		return nil, nil, err
	}

	if c.Format == "text" {
		l, err := slogadapter.NewText(data.Writer, c.Level)
		if err != nil {
			if data.LogFile != nil {
				_ = data.LogFile.Close()
			}
			return nil, nil, err
		}
		return l, data.LogFile, nil
	}
	return logger.NewZerolog(data.Logger), data.LogFile, nil
}
