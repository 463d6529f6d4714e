package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drewcsillag/notecove-sub010/internal/syncd"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the notecove sync daemon in the foreground.

The daemon:
  1. Watches the storage directory for fragments from other instances
  2. Polls their activity logs as a fallback discovery channel
  3. Performs periodic full scans as the safety net
  4. Packs fragment runs and writes snapshots on a maintenance timer

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		schedConfig := &syncd.Config{
			DebounceInterval:     a.cfg.DebounceInterval,
			ActivityPollInterval: a.cfg.ActivityPollInterval,
			FullScanInterval:     a.cfg.FullScanInterval,
			MaintenanceInterval:  a.cfg.FullScanInterval / 5,
			SyncTimeout:          a.cfg.SyncTimeout,
			Logger:               a.logger,
		}
		if schedConfig.MaintenanceInterval <= 0 {
			schedConfig.MaintenanceInterval = syncd.DefaultConfig().MaintenanceInterval
		}

		scheduler, err := syncd.New(a.st, a.mgr, a.compactor, schedConfig)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("Starting notecove daemon\n")
		fmt.Printf("   Instance: %s\n", a.instance)
		fmt.Printf("   Storage:  %s\n", a.cfg.StorageDir)
		fmt.Printf("   Cache:    %s\n", a.cfg.CachePath())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := scheduler.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
