// Package pack consolidates runs of small sequential fragment files into
// single range files so directory growth stays bounded.
//
// Packing is strictly per-instance: each instance folds only its own
// sub-log, so no writer ever touches a file another instance owns. A packed
// range file carries the same logical content as the originals (merge is
// idempotent and order-free), and its name declares the full [start, end]
// range so clock derivation from file names is unchanged.
package pack

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
	"github.com/drewcsillag/notecove-sub010/internal/store"
)

// DefaultThreshold is the run length at which packing kicks in.
const DefaultThreshold = 10

// Options configure the compactor.
type Options struct {
	// Threshold is the minimum number of contiguous files to fold into
	// one. Zero means DefaultThreshold.
	Threshold int

	// MinAge excludes fragments younger than this from packing, leaving
	// the freshest tail of the log alone while cloud sync is still
	// propagating it. Zero packs everything eligible.
	MinAge time.Duration
}

// Compactor folds this instance's fragment runs for one store.
type Compactor struct {
	st     *store.Store
	opts   Options
	logger *log.Logger
}

// New creates a compactor. If logger is nil, a default logger writing to
// stderr is used.
func New(st *store.Store, opts Options, logger *log.Logger) *Compactor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[pack] ", log.LstdFlags)
	}
	return &Compactor{st: st, opts: opts, logger: logger}
}

// Pack consolidates this instance's eligible fragment runs for a document.
// Returns the number of files removed, counting both folded-away originals
// and swept leftovers (zero when nothing was eligible).
//
// Failure ordering is deliberate: the packed file is written and durable
// before any original is deleted, and a failed deletion leaves both copies
// on disk. Redundant data is safe under idempotent replay; missing data is
// not.
func (c *Compactor) Pack(ctx context.Context, docID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	descs, err := c.st.ListFragments(docID, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to list fragments for %s: %w", docID, err)
	}

	// Originals left over from a pack whose deletion step failed would
	// otherwise sit inside a range file forever and break the contiguity
	// walk below.
	descs, swept := c.sweepSubsumed(descs)

	run := c.eligibleRun(descs)
	if len(run) < c.opts.Threshold {
		return swept, nil
	}

	blobs := make([][]byte, 0, len(run))
	for _, d := range run {
		data, err := c.st.ReadFragment(d)
		if err != nil {
			// A fragment this instance wrote should never be corrupt;
			// if it is, packing it would launder the loss into a
			// range file other instances trust. Leave the run alone.
			return 0, fmt.Errorf("refusing to pack %s: %w", docID, err)
		}
		blobs = append(blobs, data)
	}

	packed, err := crdt.MergeUpdates(blobs)
	if err != nil {
		return 0, fmt.Errorf("failed to merge fragments for %s: %w", docID, err)
	}

	start := run[0].Start
	end := run[len(run)-1].End
	if _, err := c.st.WriteRangeFragment(docID, start, end, packed); err != nil {
		return 0, fmt.Errorf("failed to write packed range for %s: %w", docID, err)
	}

	removed := swept
	for _, d := range run {
		if d.Start == start && d.End == end {
			continue // the packed file itself replaced this name
		}
		if err := c.st.RemoveFragment(d); err != nil {
			// Leave it; replay tolerates the duplication and the
			// subsumption sweep on the next pass removes it.
			c.logger.Printf("Warning: packed %s but failed to remove original %s: %v", docID, d.Path, err)
			continue
		}
		removed++
	}

	c.logger.Printf("Packed %s: %d files -> %s", docID, len(run), store.FragmentFileName(c.st.Instance(), start, end))
	return removed, nil
}

// sweepSubsumed removes this instance's fragments whose whole range is
// covered by a wider fragment of the same instance, and returns the list
// without them. A fragment that cannot be removed is still dropped from the
// returned list so the contiguity walk is not broken by it.
func (c *Compactor) sweepSubsumed(descs []store.Descriptor) ([]store.Descriptor, int) {
	removed := 0
	kept := make([]store.Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.Instance != c.st.Instance() || !subsumed(d, descs) {
			kept = append(kept, d)
			continue
		}
		if err := c.st.RemoveFragment(d); err != nil {
			c.logger.Printf("Warning: failed to remove subsumed fragment %s: %v", d.Path, err)
			continue
		}
		removed++
	}
	return kept, removed
}

func subsumed(d store.Descriptor, descs []store.Descriptor) bool {
	for _, o := range descs {
		if o.Instance != d.Instance || o.Path == d.Path {
			continue
		}
		if o.Start <= d.Start && d.End <= o.End && (o.End-o.Start) > (d.End-d.Start) {
			return true
		}
	}
	return false
}

// eligibleRun returns the longest prefix run of this instance's fragments
// that is sequentially contiguous and old enough to pack.
func (c *Compactor) eligibleRun(descs []store.Descriptor) []store.Descriptor {
	cutoff := time.Now().Add(-c.opts.MinAge)

	var run []store.Descriptor
	var nextSeq uint64 = 0
	for _, d := range descs {
		if d.Instance != c.st.Instance() {
			continue
		}
		if nextSeq != 0 && d.Start != nextSeq {
			break // gap; never pack across it
		}
		if c.opts.MinAge > 0 && !olderThan(d.Path, cutoff) {
			break
		}
		run = append(run, d)
		nextSeq = d.End + 1
	}
	return run
}

func olderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}
