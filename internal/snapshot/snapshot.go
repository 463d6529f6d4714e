// Package snapshot consolidates a document's merged state and vector clock
// into a single file so loads replay bounded work instead of the full update
// log.
//
// A snapshot supersedes every fragment at or below its recorded clock but
// never deletes them: other instances may still be catching up through the
// shared folder. The correctness contract is that snapshot state plus the
// fragments strictly newer than its clock merges to exactly the same result
// as replaying everything from empty, for every instance's view.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
	"github.com/drewcsillag/notecove-sub010/internal/store"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
)

// ErrCorruptSnapshot is returned internally when a snapshot file cannot be
// parsed. Load degrades to "no snapshot" rather than surfacing it; it
// exists so logs and tests can identify the condition.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// FileName is the snapshot file name within a document's update directory.
const FileName = "snapshot.json"

// Snapshot is the consolidated state of a document at a point in time.
type Snapshot struct {
	// VectorClock records, per instance, the highest sequence folded into
	// State.
	VectorClock vclock.VectorClock `json:"vector_clock"`

	// State is the merged document state blob (base64 in the file).
	State []byte `json:"state"`

	// SavedAt is informational only; the clock is what decides coverage.
	SavedAt time.Time `json:"saved_at"`
}

// Manager reads and writes snapshot files inside the update store's
// document directories.
type Manager struct {
	st     *store.Store
	logger *log.Logger
}

// NewManager creates a snapshot manager over the store. If logger is nil, a
// default logger writing to stderr is used.
func NewManager(st *store.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	return &Manager{st: st, logger: logger}
}

// Path returns the snapshot file path for a document.
func (m *Manager) Path(docID string) string {
	return filepath.Join(m.st.DocDir(docID), FileName)
}

// Create writes a snapshot of state captured at clock. The write goes
// through a temp file and rename, so readers either see the previous
// snapshot or the new one, never a torn file.
//
// The caller must capture state and clock at the same instant: the clock
// must cover exactly the fragments folded into state, or the supersession
// contract breaks.
func (m *Manager) Create(docID string, state []byte, clock vclock.VectorClock) error {
	if err := crdt.ValidateUpdate(state); err != nil {
		return fmt.Errorf("refusing to snapshot invalid state for %s: %w", docID, err)
	}

	snap := Snapshot{
		VectorClock: clock.Clone(),
		State:       state,
		SavedAt:     time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for %s: %w", docID, err)
	}

	path := m.Path(docID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create doc directory for %s: %w", docID, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", docID, err)
	}

	m.logger.Printf("Snapshot written for %s covering %v", docID, snap.VectorClock)
	return nil
}

// LoadLatest returns the document's snapshot, or nil when none exists.
// A corrupt snapshot also returns nil: the caller degrades to replaying the
// full fragment log, which is always safe.
func (m *Manager) LoadLatest(docID string) (*Snapshot, error) {
	snap, err := m.load(docID)
	if err != nil {
		m.logger.Printf("Warning: discarding unreadable snapshot for %s: %v", docID, err)
		return nil, nil
	}
	return snap, nil
}

func (m *Manager) load(docID string) (*Snapshot, error) {
	data, err := os.ReadFile(m.Path(docID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.VectorClock == nil {
		snap.VectorClock = make(vclock.VectorClock)
	}
	if err := crdt.ValidateUpdate(snap.State); err != nil {
		return nil, fmt.Errorf("%w: state blob: %v", ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

// SnapshotClock implements vclock.SnapshotClockSource: the latest readable
// snapshot's clock, or nil for "no snapshot" (missing or corrupt alike).
func (m *Manager) SnapshotClock(docID string) (vclock.VectorClock, error) {
	snap, err := m.load(docID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	return snap.VectorClock, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
