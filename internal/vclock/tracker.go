package vclock

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// DefaultSnapshotThreshold is the update count above which a new snapshot is
// worth writing.
const DefaultSnapshotThreshold = 100

// FragmentScanner derives a document's vector clock from fragment file
// names. The update store provides the real implementation; the indirection
// exists so the filename-as-database choice can be swapped for a real index
// without touching callers.
type FragmentScanner interface {
	// ScanClock returns the highest sequence per instance for the
	// document, an empty clock when no fragments exist.
	ScanClock(docID string) (VectorClock, error)
}

// SnapshotClockSource reports the vector clock of a document's latest
// readable snapshot. A nil clock means no snapshot (missing and corrupt are
// deliberately indistinguishable here: both mean "count everything").
type SnapshotClockSource interface {
	SnapshotClock(docID string) (VectorClock, error)
}

// Tracker answers "what has been written" and "is a snapshot due" per
// document. It also enforces clock monotonicity across repeated scans:
// a directory listing racing a packing pass can momentarily miss files, and
// the tracker must never report a clock that goes backwards.
type Tracker struct {
	scanner FragmentScanner
	snaps   SnapshotClockSource
	logger  *log.Logger

	mu   sync.Mutex
	seen map[string]VectorClock
}

// NewTracker creates a tracker over the given fragment scanner and snapshot
// source. If logger is nil, a default logger writing to stderr is used.
func NewTracker(scanner FragmentScanner, snaps SnapshotClockSource, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[vclock] ", log.LstdFlags)
	}
	return &Tracker{
		scanner: scanner,
		snaps:   snaps,
		logger:  logger,
		seen:    make(map[string]VectorClock),
	}
}

// BuildVectorClock derives the document's current clock from the fragment
// listing. The result never regresses below a previously returned clock for
// the same document.
func (t *Tracker) BuildVectorClock(docID string) (VectorClock, error) {
	clock, err := t.scanner.ScanClock(docID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fragments for %s: %w", docID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.seen[docID]
	if !ok {
		prev = make(VectorClock)
		t.seen[docID] = prev
	}
	prev.Merge(clock)
	return prev.Clone(), nil
}

// Forget drops the monotonicity floor for a document. Only used when the
// document itself is deleted.
func (t *Tracker) Forget(docID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, docID)
}

// ShouldCreateSnapshot reports whether the number of logical updates since
// the last snapshot strictly exceeds threshold, summed across all
// instances. A missing or unreadable snapshot counts as "no snapshot": all
// fragments are counted rather than failing.
func (t *Tracker) ShouldCreateSnapshot(docID string, threshold uint64) (bool, error) {
	clock, err := t.BuildVectorClock(docID)
	if err != nil {
		return false, err
	}

	snapClock, err := t.snaps.SnapshotClock(docID)
	if err != nil {
		t.logger.Printf("Warning: unreadable snapshot for %s, counting all fragments: %v", docID, err)
		snapClock = nil
	}
	if snapClock == nil {
		snapClock = make(VectorClock)
	}

	return clock.UpdatesSince(snapClock) > threshold, nil
}
