// Package config loads notecove configuration and manages the per-device
// instance identity.
//
// Configuration is resolved in the usual precedence order: explicit flags,
// NOTECOVE_* environment variables, an optional config file, then defaults.
// The instance ID lives in instance.json in the data directory and is
// generated once per installation; it must never be shared between devices
// or the update log's per-instance sequences collide.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds the resolved notecove configuration.
type Config struct {
	// StorageDir is the cloud-synced shared folder holding the update log.
	StorageDir string `mapstructure:"storage_dir"`

	// DataDir is the per-device directory for the cache database, logs,
	// and instance identity. Never cloud-synced.
	DataDir string `mapstructure:"data_dir"`

	// SnapshotThreshold is the update count that triggers a snapshot.
	SnapshotThreshold uint64 `mapstructure:"snapshot_threshold"`

	// PackThreshold is the fragment count that triggers packing.
	PackThreshold int `mapstructure:"pack_threshold"`

	// PackMinAge keeps freshly written fragments out of packing until
	// the cloud client has had a chance to propagate them.
	PackMinAge time.Duration `mapstructure:"pack_min_age"`

	// DebounceInterval batches rapid file-change bursts.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// ActivityPollInterval is the activity log polling cadence.
	ActivityPollInterval time.Duration `mapstructure:"activity_poll_interval"`

	// FullScanInterval is the full rescan cadence.
	FullScanInterval time.Duration `mapstructure:"full_scan_interval"`

	// SyncTimeout bounds a single document sync.
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`

	// LogFile receives daemon logs; empty means stderr only.
	LogFile string `mapstructure:"log_file"`
}

// Load resolves configuration from the given file (optional, "" to skip),
// the environment, and defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("storage_dir", "")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("snapshot_threshold", 100)
	v.SetDefault("pack_threshold", 10)
	v.SetDefault("pack_min_age", 30*time.Second)
	v.SetDefault("debounce_interval", 200*time.Millisecond)
	v.SetDefault("activity_poll_interval", 2*time.Second)
	v.SetDefault("full_scan_interval", 5*time.Minute)
	v.SetDefault("sync_timeout", 30*time.Second)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("NOTECOVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir is required (set NOTECOVE_STORAGE_DIR or use --storage)")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.SnapshotThreshold == 0 {
		return fmt.Errorf("snapshot_threshold must be positive")
	}
	return nil
}

// CachePath returns the location of the local cache database.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "notecove")
	}
	return ".notecove"
}

// instanceFile is the on-disk identity record.
type instanceFile struct {
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// EnsureInstance returns this device's instance ID, generating and
// persisting a new one on first run.
//
// The ID is a UUID, which satisfies the fragment filename constraints
// (no path separators, dots allowed) and cannot collide across devices.
func EnsureInstance(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, "instance.json")
	data, err := os.ReadFile(path)
	if err == nil {
		var f instanceFile
		if err := json.Unmarshal(data, &f); err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if f.InstanceID == "" {
			return "", fmt.Errorf("instance file %s has empty instance_id", path)
		}
		return f.InstanceID, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read instance file: %w", err)
	}

	f := instanceFile{InstanceID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	data, err = json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode instance file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write instance file: %w", err)
	}
	return f.InstanceID, nil
}
