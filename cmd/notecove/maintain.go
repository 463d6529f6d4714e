package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drewcsillag/notecove-sub010/internal/syncd"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "One-shot full sync",
	Long: `Sync every document in the storage directory once and exit.

This performs the same full scan the daemon runs periodically: every
document is loaded, merged, reindexed into the local cache, and its sync
state checkpointed.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		scheduler, err := syncd.New(a.st, a.mgr, a.compactor, &syncd.Config{
			DebounceInterval:     a.cfg.DebounceInterval,
			ActivityPollInterval: a.cfg.ActivityPollInterval,
			FullScanInterval:     a.cfg.FullScanInterval,
			MaintenanceInterval:  a.cfg.FullScanInterval,
			SyncTimeout:          a.cfg.SyncTimeout,
			Logger:               a.logger,
		})
		if err != nil {
			fatal(err)
		}
		defer scheduler.Stop()

		if err := scheduler.PerformFullScan(); err != nil {
			fatal(err)
		}

		m := scheduler.GetMetrics()
		count, _ := a.cache.GetNoteCount()
		fmt.Printf("Sync complete: %d attempts, %d failures\n", m.Attempts, m.Failures)
		fmt.Printf("   Cached notes: %d\n", count)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage and cache status",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		docIDs, err := a.st.ListDocs()
		if err != nil {
			fatal(err)
		}
		noteCount, err := a.cache.GetNoteCount()
		if err != nil {
			fatal(err)
		}

		fmt.Printf("\nnotecove status\n\n")
		fmt.Printf("Instance:     %s\n", a.instance)
		fmt.Printf("Storage:      %s\n", a.cfg.StorageDir)
		fmt.Printf("Documents:    %d\n", len(docIDs))
		fmt.Printf("Cached notes: %d\n", noteCount)

		if info, err := os.Stat(a.cfg.CachePath()); err == nil {
			fmt.Printf("Cache:        %s (%d bytes)\n", a.cfg.CachePath(), info.Size())
		} else {
			fmt.Printf("Cache:        not initialized\n")
		}
		fmt.Println()
	},
}

var packCmd = &cobra.Command{
	Use:   "pack [note-id]",
	Short: "Pack fragment runs",
	Long: `Pack contiguous runs of this instance's fragments into range files.

With a note ID, packs that document only; without, packs every document.
Only fragments written by this instance are touched.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		ctx := context.Background()
		var docIDs []string
		if len(args) == 1 {
			docIDs = args
		} else {
			docIDs, err = a.st.ListDocs()
			if err != nil {
				fatal(err)
			}
		}

		total := 0
		for _, docID := range docIDs {
			packed, err := a.compactor.Pack(ctx, docID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to pack %s: %v\n", docID, err)
				continue
			}
			if packed > 0 {
				fmt.Printf("Packed %d fragments for %s\n", packed, docID)
			}
			total += packed
		}
		fmt.Printf("Packing complete: %d fragments packed\n", total)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <note-id>",
	Short: "Write a snapshot for a document",
	Long: `Force a snapshot of a document's current merged state.

The daemon writes snapshots automatically once enough updates accumulate;
this command writes one immediately regardless of the threshold.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		ctx := context.Background()
		docID := args[0]
		if err := a.mgr.Acquire(ctx, docID); err != nil {
			fatal(err)
		}
		defer a.mgr.Release(docID)

		state, err := a.mgr.GetState(docID)
		if err != nil {
			fatal(err)
		}
		clock, err := a.mgr.AppliedClock(docID)
		if err != nil {
			fatal(err)
		}
		if err := a.snaps.Create(docID, state, clock); err != nil {
			fatal(err)
		}

		fmt.Printf("Snapshot written: %s\n", a.snaps.Path(docID))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(snapshotCmd)
}
