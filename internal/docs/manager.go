// Package docs owns the in-memory merged document for every loaded note and
// folder tree, and drives the load/flush lifecycle against the update store
// and snapshot manager.
//
// Lifecycle per document: Unloaded -> Loading -> Loaded -> Unloaded.
// Loading establishes a base state (local sync cache when fresh, else the
// latest snapshot, else empty) and applies the fragments newer than the
// base's vector clock. A fragment that fails to read is skipped and counted,
// never fatal: merge idempotence means a later full scan heals anything a
// skip missed.
package docs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
	"github.com/drewcsillag/notecove-sub010/internal/note"
	"github.com/drewcsillag/notecove-sub010/internal/snapshot"
	"github.com/drewcsillag/notecove-sub010/internal/store"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
)

// ErrNotLoaded is returned by operations on a document that has not been
// acquired.
var ErrNotLoaded = errors.New("document not loaded")

// State is a document's lifecycle state.
type State int

const (
	// StateUnloaded means no in-memory document exists.
	StateUnloaded State = iota
	// StateLoading means the base state and fragments are being applied.
	StateLoading
	// StateLoaded means the document is merged in memory and usable.
	StateLoaded
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// ProjectionSink receives the plain projection whenever a document's merged
// state advances, so the metadata/search cache can reindex. Implementations
// must not block for long; they are called on the sync path.
type ProjectionSink interface {
	NoteChanged(docID string, n *note.Note)
	FolderTreeChanged(tree *note.FolderTree)
}

// SyncState is the local, per-device record of how much of a document has
// been merged, used to make cold starts cheap.
type SyncState struct {
	DocID     string
	SDID      string
	Clock     vclock.VectorClock
	State     []byte
	UpdatedAt time.Time
}

// SyncStateCache persists SyncState records locally (never in the shared
// folder).
type SyncStateCache interface {
	// GetSyncState returns the cached record, nil when absent.
	GetSyncState(ctx context.Context, docID string) (*SyncState, error)
	PutSyncState(ctx context.Context, state *SyncState) error
}

// Options configure a Manager.
type Options struct {
	// SDID identifies the storage directory in sync state records.
	SDID string

	// Cache, when non-nil, enables the cold-start fast path and sync
	// state persistence.
	Cache SyncStateCache

	// Sink, when non-nil, receives plain projections on every advance.
	Sink ProjectionSink

	// SnapshotThreshold overrides vclock.DefaultSnapshotThreshold.
	SnapshotThreshold uint64

	// Logger defaults to stderr.
	Logger *log.Logger
}

// Manager owns every in-memory document for one storage directory.
type Manager struct {
	st      *store.Store
	snaps   *snapshot.Manager
	tracker *vclock.Tracker
	cache   SyncStateCache
	sink    ProjectionSink
	sdID    string
	thresh  uint64
	logger  *log.Logger

	mu   sync.Mutex
	docs map[string]*managedDoc
}

type managedDoc struct {
	id      string
	state   State
	doc     *crdt.Doc
	applied vclock.VectorClock
	refs    int

	// pending holds encoded local updates not yet durably written.
	// Flush retries them; they are never silently dropped.
	pending [][]byte

	// skipped counts fragments that failed to read during loads/syncs.
	skipped int
}

// NewManager creates a document manager.
func NewManager(st *store.Store, snaps *snapshot.Manager, tracker *vclock.Tracker, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[docs] ", log.LstdFlags)
	}
	thresh := opts.SnapshotThreshold
	if thresh == 0 {
		thresh = vclock.DefaultSnapshotThreshold
	}
	return &Manager{
		st:      st,
		snaps:   snaps,
		tracker: tracker,
		cache:   opts.Cache,
		sink:    opts.Sink,
		sdID:    opts.SDID,
		thresh:  thresh,
		logger:  logger,
		docs:    make(map[string]*managedDoc),
	}
}

// Acquire loads the document if necessary and takes a reference. Every
// Acquire must be paired with a Release; the document stays in memory while
// references remain.
func (m *Manager) Acquire(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.docs[docID]
	if ok && md.state == StateLoaded {
		md.refs++
		return nil
	}

	md = &managedDoc{id: docID, state: StateLoading, doc: crdt.NewDoc(), applied: make(vclock.VectorClock)}
	m.docs[docID] = md

	if err := m.loadLocked(ctx, md); err != nil {
		delete(m.docs, docID)
		return err
	}
	md.state = StateLoaded
	md.refs = 1

	m.notifyLocked(md)
	return nil
}

// Release drops a reference; the document is unloaded when none remain.
// Sync state is checkpointed best-effort on unload.
func (m *Manager) Release(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.docs[docID]
	if !ok {
		return
	}
	md.refs--
	if md.refs > 0 {
		return
	}
	m.unloadLocked(md)
}

// Destroy force-unloads a document regardless of reference count, dropping
// queued writes that have not started. Pending sync work for the document
// is abandoned (the scheduler checks IsLoaded before applying).
func (m *Manager) Destroy(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.docs[docID]
	if !ok {
		return
	}
	if n := len(md.pending); n > 0 {
		m.logger.Printf("Destroying %s with %d unflushed updates dropped", docID, n)
	}
	md.pending = nil
	m.unloadLocked(md)
}

func (m *Manager) unloadLocked(md *managedDoc) {
	if len(md.pending) > 0 {
		// Last chance to make buffered edits durable before the
		// in-memory doc goes away.
		if err := m.flushLocked(context.Background(), md); err != nil {
			m.logger.Printf("Warning: failed to flush %s on unload, %d buffered updates lost: %v",
				md.id, len(md.pending), err)
		}
	} else {
		m.checkpointLocked(context.Background(), md)
	}
	delete(m.docs, md.id)
}

// loadLocked brings a document to its current merged state.
func (m *Manager) loadLocked(ctx context.Context, md *managedDoc) error {
	// Base 1: local sync cache. When its clock matches disk exactly,
	// the shared log is not read at all.
	if m.cache != nil {
		cs, err := m.cache.GetSyncState(ctx, md.id)
		if err != nil {
			m.logger.Printf("Warning: sync state cache read failed for %s: %v", md.id, err)
		} else if cs != nil {
			if err := md.doc.Apply(cs.State); err != nil {
				m.logger.Printf("Warning: discarding invalid cached state for %s: %v", md.id, err)
				md.doc = crdt.NewDoc()
			} else {
				md.applied = cs.Clock.Clone()
				disk, err := m.tracker.BuildVectorClock(md.id)
				if err == nil && disk.Equal(md.applied) {
					return nil
				}
			}
		}
	}

	// Base 2: latest snapshot, when it is ahead of whatever base we have.
	snap, err := m.snaps.LoadLatest(md.id)
	if err != nil {
		return fmt.Errorf("failed to load snapshot for %s: %w", md.id, err)
	}
	if snap != nil && !md.applied.Dominates(snap.VectorClock) {
		if err := md.doc.Apply(snap.State); err != nil {
			// LoadLatest validates, so this is unreachable in
			// practice; degrade to replay anyway.
			m.logger.Printf("Warning: snapshot state rejected for %s: %v", md.id, err)
		} else {
			md.applied.Merge(snap.VectorClock)
		}
	}

	// Replay everything newer than the base.
	return m.applyFragmentsLocked(md)
}

// applyFragmentsLocked merges all on-disk fragments newer than the applied
// clock. Corrupt fragments are skipped and logged.
func (m *Manager) applyFragmentsLocked(md *managedDoc) error {
	descs, err := m.st.ListFragments(md.id, md.applied)
	if err != nil {
		return fmt.Errorf("failed to list fragments for %s: %w", md.id, err)
	}
	for _, d := range descs {
		data, err := m.st.ReadFragment(d)
		if err != nil {
			md.skipped++
			m.logger.Printf("Warning: skipping fragment %s: %v", d.Path, err)
			continue
		}
		if err := md.doc.Apply(data); err != nil {
			md.skipped++
			m.logger.Printf("Warning: skipping fragment %s: %v", d.Path, err)
			continue
		}
		md.applied.Observe(d.Instance, d.End)
	}
	return nil
}

func (m *Manager) loaded(docID string) (*managedDoc, error) {
	md, ok := m.docs[docID]
	if !ok || md.state != StateLoaded {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, docID)
	}
	return md, nil
}

// IsLoaded reports whether the document is currently in memory.
func (m *Manager) IsLoaded(docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.docs[docID]
	return ok && md.state == StateLoaded
}

// InitializeNote seeds an empty CRDT document from a plain note and flushes
// the result. A document that already has content is left untouched:
// seeding must never clobber existing history.
func (m *Manager) InitializeNote(ctx context.Context, docID string, n *note.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return err
	}
	if !md.doc.IsEmpty() {
		return nil
	}

	u := note.Seed(md.doc, m.st.Instance(), n)
	md.pending = append(md.pending, crdt.EncodeUpdate(u))
	return m.flushLocked(ctx, md)
}

// MergeExternalNote folds a plain, non-sync-aware note into the document
// and flushes any resulting writes.
func (m *Manager) MergeExternalNote(ctx context.Context, docID string, external *note.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return err
	}

	u := note.MergeExternal(md.doc, m.st.Instance(), external)
	if len(u.Entries) == 0 {
		return nil
	}
	md.pending = append(md.pending, crdt.EncodeUpdate(u))
	return m.flushLocked(ctx, md)
}

// SetFolder writes a folder into the folder-tree document and flushes.
func (m *Manager) SetFolder(ctx context.Context, f note.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(note.FolderTreeDocID)
	if err != nil {
		return err
	}
	u := note.SetFolder(md.doc, m.st.Instance(), f)
	md.pending = append(md.pending, crdt.EncodeUpdate(u))
	return m.flushLocked(ctx, md)
}

// PlaceNote records a note's folder in the folder-tree document and flushes.
func (m *Manager) PlaceNote(ctx context.Context, noteID, folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(note.FolderTreeDocID)
	if err != nil {
		return err
	}
	u := note.PlaceNote(md.doc, m.st.Instance(), noteID, folderID)
	md.pending = append(md.pending, crdt.EncodeUpdate(u))
	return m.flushLocked(ctx, md)
}

// ApplyUpdate merges raw update bytes into a loaded document without
// touching the applied clock. Used for updates that did not come from the
// fragment log (imports, IPC previews).
//
// The merged entries are not written to the log: they live only in memory
// and are lost on unload, and a snapshot taken while they are present bakes
// them in under a clock that does not cover them. Callers that need the
// data to be durable must append it to the store instead.
func (m *Manager) ApplyUpdate(docID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return err
	}
	if err := md.doc.Apply(data); err != nil {
		return err
	}
	m.notifyLocked(md)
	return nil
}

// ApplyFragment merges a fragment read from the store and advances the
// applied clock to cover it. This is the incremental sync path.
func (m *Manager) ApplyFragment(docID string, desc store.Descriptor, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return err
	}
	if err := md.doc.Apply(data); err != nil {
		return err
	}
	md.applied.Observe(desc.Instance, desc.End)
	m.notifyLocked(md)
	return nil
}

// GetState exports the merged state blob of a loaded document.
func (m *Manager) GetState(docID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return nil, err
	}
	return md.doc.State(), nil
}

// GetNote projects a loaded note document into its plain form.
func (m *Manager) GetNote(docID string) (*note.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return nil, err
	}
	return note.FromDoc(docID, md.doc), nil
}

// GetFolderTree projects the loaded folder-tree document.
func (m *Manager) GetFolderTree() (*note.FolderTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(note.FolderTreeDocID)
	if err != nil {
		return nil, err
	}
	return note.TreeFromDoc(md.doc), nil
}

// AppliedClock returns a copy of the clock covering everything merged into
// the in-memory document.
func (m *Manager) AppliedClock(docID string) (vclock.VectorClock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return nil, err
	}
	return md.applied.Clone(), nil
}

// Flush durably writes any buffered local updates for the document.
func (m *Manager) Flush(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return err
	}
	return m.flushLocked(ctx, md)
}

// flushLocked writes the pending buffer as one fragment. On write failure
// the buffer is kept for the next attempt and the error is surfaced: a
// local edit that is not durable must never be silently dropped.
func (m *Manager) flushLocked(ctx context.Context, md *managedDoc) error {
	if len(md.pending) == 0 {
		return nil
	}

	blob, err := crdt.MergeUpdates(md.pending)
	if err != nil {
		return fmt.Errorf("failed to combine pending updates for %s: %w", md.id, err)
	}
	seq, err := m.st.AppendUpdate(ctx, md.id, blob)
	if err != nil {
		return fmt.Errorf("failed to flush %s: %w", md.id, err)
	}
	md.pending = nil
	md.applied.Observe(m.st.Instance(), seq)

	m.notifyLocked(md)
	m.checkpointLocked(ctx, md)

	if err := m.maybeSnapshotLocked(md); err != nil {
		m.logger.Printf("Warning: snapshot evaluation failed for %s: %v", md.id, err)
	}
	return nil
}

// MaybeSnapshot writes a snapshot if the document has accumulated enough
// updates since the last one. Called after flushes, after packing, and on
// the maintenance timer.
func (m *Manager) MaybeSnapshot(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return err
	}
	return m.maybeSnapshotLocked(md)
}

func (m *Manager) maybeSnapshotLocked(md *managedDoc) error {
	// Unflushed local writes are in the in-memory state but covered by no
	// clock; snapshotting now would bake non-durable data into a file
	// other instances trust.
	if len(md.pending) > 0 {
		return nil
	}

	due, err := m.tracker.ShouldCreateSnapshot(md.id, m.thresh)
	if err != nil || !due {
		return err
	}

	// Only snapshot what this document has actually merged. If disk is
	// ahead of memory the scheduler has not caught up yet; snapshotting
	// the stale view with the disk clock would violate equivalence.
	disk, err := m.tracker.BuildVectorClock(md.id)
	if err != nil {
		return err
	}
	if !md.applied.Dominates(disk) {
		return nil
	}
	return m.snaps.Create(md.id, md.doc.State(), md.applied.Clone())
}

// Checkpoint persists the document's sync state to the local cache.
func (m *Manager) Checkpoint(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.loaded(docID)
	if err != nil {
		return err
	}
	m.checkpointLocked(ctx, md)
	return nil
}

func (m *Manager) checkpointLocked(ctx context.Context, md *managedDoc) {
	if m.cache == nil {
		return
	}
	err := m.cache.PutSyncState(ctx, &SyncState{
		DocID:     md.id,
		SDID:      m.sdID,
		Clock:     md.applied.Clone(),
		State:     md.doc.State(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Printf("Warning: failed to persist sync state for %s: %v", md.id, err)
	}
}

func (m *Manager) notifyLocked(md *managedDoc) {
	if m.sink == nil {
		return
	}
	if md.id == note.FolderTreeDocID {
		m.sink.FolderTreeChanged(note.TreeFromDoc(md.doc))
		return
	}
	m.sink.NoteChanged(md.id, note.FromDoc(md.id, md.doc))
}

// Stats describes the manager's in-memory footprint for diagnostics.
type Stats struct {
	LoadedDocs       []string
	PendingFlushes   int
	SkippedFragments int
}

// GetStats returns currently loaded document IDs and counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for id, md := range m.docs {
		if md.state != StateLoaded {
			continue
		}
		s.LoadedDocs = append(s.LoadedDocs, id)
		s.PendingFlushes += len(md.pending)
		s.SkippedFragments += md.skipped
	}
	sort.Strings(s.LoadedDocs)
	return s
}
