// Package config loads, validates, and materializes the mount
// configuration.
//
// Sources, in priority order: explicit flags applied by the caller,
// DRIFTFS_* environment variables, a YAML config file, built-in defaults.
// Backend-specific settings live in free-form option maps decoded by the
// factories, so adding a backend never touches the top-level schema.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/driftfs/driftfs/internal/logger"
)

// Config is the complete mount configuration.
type Config struct {
	Mount    MountConfig    `mapstructure:"mount"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Content  ContentConfig  `mapstructure:"content"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	GC       GCConfig       `mapstructure:"gc"`
}

// MountConfig locates the mount and its local storage.
type MountConfig struct {
	// Path is where the filesystem is exposed
	Path string `mapstructure:"path" validate:"required"`

	// Storage is the local directory holding the metadata database and
	// the blob store
	Storage string `mapstructure:"storage" validate:"required"`

	// Foreground keeps the process attached to the terminal
	Foreground bool `mapstructure:"foreground"`
}

// LoggingConfig controls the leveled logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// CacheConfig bounds the in-memory content cache.
type CacheConfig struct {
	// Enabled turns the cache on. Disabling it costs latency only.
	Enabled bool `mapstructure:"enabled"`

	// MaxSizeMB is the payload budget in megabytes
	MaxSizeMB int `mapstructure:"max_size_mb" validate:"gte=0"`

	// MaxEntries bounds the number of cached entries (0 = unlimited)
	MaxEntries int `mapstructure:"max_entries" validate:"gte=0"`
}

// SyncConfig tunes background replication.
type SyncConfig struct {
	// Enabled turns replication on. Requires a cloud backend.
	Enabled bool `mapstructure:"enabled"`

	// Workers sizes the upload worker pool
	Workers int `mapstructure:"workers" validate:"gte=1,lte=64"`

	// MaxRetries bounds retries of transient upload failures
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryInterval is the initial backoff delay
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0"`

	// ConflictPolicy is last_writer_wins or manual
	ConflictPolicy string `mapstructure:"conflict_policy" validate:"oneof=last_writer_wins manual"`
}

// MetadataConfig selects and configures the metadata store backend.
type MetadataConfig struct {
	// Backend is "badger" or "memory"
	Backend string `mapstructure:"backend" validate:"oneof=badger memory"`

	// Options holds backend-specific settings, decoded by the factory
	Options map[string]interface{} `mapstructure:"options"`
}

// ContentConfig selects and configures the blob store backend.
type ContentConfig struct {
	// Backend is "filesystem" or "memory"
	Backend string `mapstructure:"backend" validate:"oneof=filesystem memory"`

	// Options holds backend-specific settings, decoded by the factory
	Options map[string]interface{} `mapstructure:"options"`

	// Encryption configures at-rest encryption of blobs
	Encryption EncryptionConfig `mapstructure:"encryption"`
}

// EncryptionConfig enables AES encryption of stored blobs.
type EncryptionConfig struct {
	// Enabled encrypts blobs at rest
	Enabled bool `mapstructure:"enabled"`

	// Passphrase derives the encryption key. Required when enabled.
	Passphrase string `mapstructure:"passphrase" validate:"required_if=Enabled true"`
}

// CloudConfig selects and configures the remote object store.
type CloudConfig struct {
	// Backend is "s3", "memory", or "none"
	Backend string `mapstructure:"backend" validate:"oneof=s3 memory none"`

	// Options holds backend-specific settings, decoded by the factory
	Options map[string]interface{} `mapstructure:"options"`
}

// GCConfig tunes the orphan blob collector.
type GCConfig struct {
	// Interval between sweeps
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`

	// DryRun logs what would be deleted without deleting
	DryRun bool `mapstructure:"dry_run"`
}

// Load reads configuration from the given file (optional), the
// environment, and defaults, then validates the result.
//
// Environment variables use the DRIFTFS_ prefix with underscores for
// nesting: DRIFTFS_MOUNT_PATH, DRIFTFS_SYNC_WORKERS, and so on.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRIFTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("driftfs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/driftfs")
		v.AddConfigPath("/etc/driftfs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// No file anywhere: env + defaults only.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigureLogging applies the logging section to the process logger.
// The level string is already validated by the config schema.
func ConfigureLogging(cfg LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	return logger.SetOutput(cfg.Output)
}
