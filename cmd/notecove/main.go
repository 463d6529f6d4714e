// Command notecove is the sync engine for a multi-instance note-taking app.
//
// Notes live as CRDT documents in a shared storage directory synced by a
// cloud folder client (Dropbox, Google Drive, etc.). Each running instance
// appends update fragments under its own instance ID; notecove merges
// everyone's fragments, maintains snapshots, packs old fragment runs, and
// keeps a local SQLite cache for listing and search.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/drewcsillag/notecove-sub010/internal/cache"
	"github.com/drewcsillag/notecove-sub010/internal/config"
	"github.com/drewcsillag/notecove-sub010/internal/docs"
	"github.com/drewcsillag/notecove-sub010/internal/pack"
	"github.com/drewcsillag/notecove-sub010/internal/snapshot"
	"github.com/drewcsillag/notecove-sub010/internal/store"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
)

var (
	flagConfig  string
	flagStorage string
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:   "notecove",
	Short: "Sync engine for cloud-folder note storage",
	Long: `notecove synchronizes CRDT note documents through a cloud-synced folder.

Each device appends write-once update fragments under its own instance ID;
notecove merges all instances' fragments into converged documents, writes
snapshots to speed up loads, packs old fragments, and maintains a local
SQLite cache for listing and search.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: flags/env only)")
	rootCmd.PersistentFlags().StringVar(&flagStorage, "storage", "", "shared storage directory")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "per-device data directory")
}

// loadConfig resolves configuration with flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagStorage != "" {
		cfg.StorageDir = flagStorage
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. With a log file configured the log
// is rotated by lumberjack and mirrored to stderr.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return log.New(w, prefix, log.LstdFlags)
}

// app bundles the wired-up components the commands operate on.
type app struct {
	cfg       *config.Config
	instance  string
	st        *store.Store
	cache     *cache.Cache
	mgr       *docs.Manager
	snaps     *snapshot.Manager
	compactor *pack.Compactor
	logger    *log.Logger
}

// openApp loads config, establishes the instance identity, and wires the
// store, cache, and document manager. The caller must Close the result.
func openApp(prefix string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	instance, err := config.EnsureInstance(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to establish instance identity: %w", err)
	}

	logger := newLogger(cfg, prefix)

	c, err := cache.Open(cfg.CachePath(), logger)
	if err != nil {
		return nil, err
	}
	if err := c.InitSchema(); err != nil {
		_ = c.Close()
		return nil, err
	}

	st := store.New(cfg.StorageDir, instance, logger)
	snaps := snapshot.NewManager(st, logger)
	tracker := vclock.NewTracker(st, snaps, logger)
	mgr := docs.NewManager(st, snaps, tracker, docs.Options{
		SDID:              filepath.Base(cfg.StorageDir),
		Cache:             c,
		Sink:              c,
		SnapshotThreshold: cfg.SnapshotThreshold,
		Logger:            logger,
	})
	compactor := pack.New(st, pack.Options{
		Threshold: cfg.PackThreshold,
		MinAge:    cfg.PackMinAge,
	}, logger)

	return &app{
		cfg:       cfg,
		instance:  instance,
		st:        st,
		cache:     c,
		mgr:       mgr,
		snaps:     snaps,
		compactor: compactor,
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Printf("Error closing cache: %v", err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
