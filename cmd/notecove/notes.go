package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drewcsillag/notecove-sub010/internal/note"
)

var newCmd = &cobra.Command{
	Use:   "new <title> [body]",
	Short: "Create a note",
	Long: `Create a new note in the storage directory.

The note gets a fresh UUID as its document ID and the initial content is
written as the document's first update fragment. Other instances pick it
up through their sync daemons.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		body := ""
		if len(args) > 1 {
			body = args[1]
		}

		ctx := context.Background()
		docID := uuid.NewString()
		if err := a.mgr.Acquire(ctx, docID); err != nil {
			fatal(err)
		}
		defer a.mgr.Release(docID)

		n := &note.Note{ID: docID, Title: args[0], Body: body}
		if err := a.mgr.InitializeNote(ctx, docID, n); err != nil {
			fatal(err)
		}

		fmt.Printf("Created note %s\n", docID)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached notes",
	Long:  `List all notes from the local cache, newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		notes, err := a.cache.ListNotes()
		if err != nil {
			fatal(err)
		}
		if len(notes) == 0 {
			fmt.Println("No notes in cache. Run 'notecove sync' first.")
			return
		}
		for _, n := range notes {
			printNoteLine(n)
		}
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search cached notes",
	Long:  `Search note titles and bodies in the local cache.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		notes, err := a.cache.SearchNotes(args[0])
		if err != nil {
			fatal(err)
		}
		if len(notes) == 0 {
			fmt.Println("No matches.")
			return
		}
		for _, n := range notes {
			printNoteLine(n)
		}
	},
}

var showCmd = &cobra.Command{
	Use:   "show <note-id>",
	Short: "Show a note's merged content",
	Long: `Load a note from the shared log and print its merged content.

This reads the document directly (snapshot plus fragments), not the cache,
so it reflects everything currently in the storage directory.`,
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

		n, err := a.mgr.GetNote(docID)
		if err != nil {
			fatal(err)
		}

		fmt.Printf("%s\n", n.Title)
		if !n.Modified.IsZero() {
			fmt.Printf("Modified: %s\n", n.Modified.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n%s\n", n.Body)
	},
}

func printNoteLine(n *note.Note) {
	title := n.Title
	if title == "" {
		title = "(untitled)"
	}
	if n.Modified.IsZero() {
		fmt.Printf("%s  %s\n", n.ID, title)
		return
	}
	fmt.Printf("%s  %s  %s\n", n.ID, n.Modified.Format("2006-01-02 15:04"), title)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a storage directory",
	Long: `Initialize the storage directory layout and this device's identity.

Creates the docs/ and activity/ directories in the shared folder and the
per-device instance ID under the data directory. Safe to run on a storage
directory other instances already use.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp("[notecove] ")
		if err != nil {
			fatal(err)
		}
		defer a.Close()

		for _, sub := range []string{"docs", "activity"} {
			if err := os.MkdirAll(a.cfg.StorageDir+"/"+sub, 0755); err != nil {
				fatal(err)
			}
		}

		fmt.Printf("Initialized storage directory %s\n", a.cfg.StorageDir)
		fmt.Printf("   Instance: %s\n", a.instance)
		fmt.Printf("   Cache:    %s\n", a.cfg.CachePath())
	},
}

func init() {
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(initCmd)
}
