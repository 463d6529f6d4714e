// Package store implements the append-only update store shared between
// application instances through a synced folder.
//
// Each document owns a directory of immutable fragment files, one sub-log
// per writing instance. A fragment file is written once, atomically (temp
// file then rename), and never mutated afterwards; the only operations any
// writer performs in shared space are creating new files and renaming temp
// files into place. That write-once discipline is what makes the
// multi-writer, lock-free design safe.
//
// File layout under a storage directory:
//
//	docs/<docID>/<instanceID>.<start:06d>-<end:06d>.upd   fragments
//	docs/<docID>/meta/<instanceID>.json                   writer bookkeeping
//	docs/<docID>/snapshot.json                            (snapshot package)
//	activity/<instanceID>.log                             change hints
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
)

// Store reads and writes update fragments for one storage directory on
// behalf of one instance. Reads cover all instances; writes only ever touch
// this instance's own sub-log.
type Store struct {
	root     string
	instance string
	logger   *log.Logger

	// Writes to a given document are serialized so two concurrent local
	// flushes cannot interleave sequence allocation.
	mu       sync.Mutex
	docLocks map[string]*sync.Mutex
}

// New creates a store rooted at the storage directory for the given
// instance. If logger is nil, a default logger writing to stderr is used.
func New(root, instance string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{
		root:     root,
		instance: instance,
		logger:   logger,
		docLocks: make(map[string]*sync.Mutex),
	}
}

// Root returns the storage directory path.
func (s *Store) Root() string { return s.root }

// Instance returns the instance ID this store writes as.
func (s *Store) Instance() string { return s.instance }

// DocDir returns the update directory for a document.
func (s *Store) DocDir(docID string) string {
	return filepath.Join(s.root, "docs", docID)
}

// ListDocs returns the IDs of all documents that have an update directory.
func (s *Store) ListDocs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "docs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read docs directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) lockDoc(docID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.docLocks[docID]
	if !ok {
		l = &sync.Mutex{}
		s.docLocks[docID] = l
	}
	return l
}

// AppendUpdate allocates the next sequence number for (docID, this
// instance), durably writes data as a new immutable fragment file, and
// returns the assigned sequence.
//
// A context cancelled before the write starts drops the write cleanly; once
// the write is in flight it completes. Failures are reported as
// ErrWriteFailure and nothing partial is left visible: the fragment only
// appears under its final name after a successful rename.
func (s *Store) AppendUpdate(ctx context.Context, docID string, data []byte) (uint64, error) {
	l := s.lockDoc(docID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir := s.DocDir(docID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("%w: failed to create doc directory: %v", ErrWriteFailure, err)
	}

	seq, err := s.nextSeq(docID)
	if err != nil {
		return 0, err
	}

	name := FragmentFileName(s.instance, seq, seq)
	if err := writeFileAtomic(filepath.Join(dir, name), data, 0644); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	// Bookkeeping failures after a durable fragment write are logged, not
	// surfaced: the fragment listing remains ground truth.
	if err := s.writeMeta(docID, func(m *Meta) { m.LastSeq = seq }); err != nil {
		s.logger.Printf("Warning: failed to update meta for %s: %v", docID, err)
	}
	if err := s.appendActivity(docID); err != nil {
		s.logger.Printf("Warning: failed to append activity entry for %s: %v", docID, err)
	}

	return seq, nil
}

// nextSeq returns the next unused sequence for this instance. The meta file
// acts as a cached high-water mark; the directory listing is authoritative
// when it is ahead (meta writes are best-effort).
func (s *Store) nextSeq(docID string) (uint64, error) {
	var high uint64

	meta, err := s.readMeta(docID, s.instance)
	if err == nil && meta != nil {
		high = meta.LastSeq
	}

	clock, err := s.ScanClock(docID)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to scan existing fragments: %v", ErrWriteFailure, err)
	}
	if scanned := clock.Get(s.instance); scanned > high {
		high = scanned
	}

	return high + 1, nil
}

// ListFragments enumerates the document's fragment files, filtered to those
// extending past sinceClock, sorted by instance then start sequence. A
// missing document directory means no instance has written yet and yields an
// empty listing, not an error. File names that do not match the fragment
// convention are ignored.
func (s *Store) ListFragments(docID string, sinceClock vclock.VectorClock) ([]Descriptor, error) {
	dir := s.DocDir(docID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read update directory for %s: %w", docID, err)
	}

	var descs []Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		instance, start, end, ok := ParseFragmentName(entry.Name())
		if !ok {
			continue
		}
		if sinceClock != nil && end <= sinceClock.Get(instance) {
			continue
		}
		descs = append(descs, Descriptor{
			DocID:    docID,
			Instance: instance,
			Start:    start,
			End:      end,
			Path:     filepath.Join(dir, entry.Name()),
		})
	}

	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Instance != descs[j].Instance {
			return descs[i].Instance < descs[j].Instance
		}
		return descs[i].Start < descs[j].Start
	})
	return descs, nil
}

// ReadFragment returns the fragment's update bytes. Unreadable or
// structurally invalid files produce a CorruptFragmentError; callers skip
// and log rather than aborting the load.
func (s *Store) ReadFragment(desc Descriptor) ([]byte, error) {
	data, err := os.ReadFile(desc.Path)
	if err != nil {
		return nil, &CorruptFragmentError{Path: desc.Path, Err: err}
	}
	if err := crdt.ValidateUpdate(data); err != nil {
		return nil, &CorruptFragmentError{Path: desc.Path, Err: err}
	}
	return data, nil
}

// ScanClock derives the document's vector clock from fragment file names.
// Implements vclock.FragmentScanner.
func (s *Store) ScanClock(docID string) (vclock.VectorClock, error) {
	descs, err := s.ListFragments(docID, nil)
	if err != nil {
		return nil, err
	}
	clock := make(vclock.VectorClock)
	for _, d := range descs {
		clock.Observe(d.Instance, d.End)
	}
	return clock, nil
}

// RemoveFragment deletes a fragment file this instance owns. Used by the
// packing compactor after a consolidated range file is durable. Removing a
// file that is already gone is not an error.
func (s *Store) RemoveFragment(desc Descriptor) error {
	if desc.Instance != s.instance {
		return fmt.Errorf("refusing to remove fragment owned by %s", desc.Instance)
	}
	if err := os.Remove(desc.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove fragment %s: %w", desc.Path, err)
	}
	return nil
}

// WriteRangeFragment writes a consolidated fragment covering [start, end]
// for this instance, atomically. Used by the packing compactor.
func (s *Store) WriteRangeFragment(docID string, start, end uint64, data []byte) (Descriptor, error) {
	l := s.lockDoc(docID)
	l.Lock()
	defer l.Unlock()

	dir := s.DocDir(docID)
	path := filepath.Join(dir, FragmentFileName(s.instance, start, end))
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := s.writeMeta(docID, func(m *Meta) {
		if end > m.LastPackedSeq {
			m.LastPackedSeq = end
		}
	}); err != nil {
		s.logger.Printf("Warning: failed to update meta for %s: %v", docID, err)
	}
	return Descriptor{DocID: docID, Instance: s.instance, Start: start, End: end, Path: path}, nil
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so a crash never leaves a half-written file visible
// under its final name.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
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
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Meta is the per-(document, instance) bookkeeping file at
// meta/<instanceID>.json. It is a cache, not ground truth: the fragment
// listing always wins on disagreement.
type Meta struct {
	Instance      string    `json:"instance"`
	LastSeq       uint64    `json:"last_seq"`
	LastPackedSeq uint64    `json:"last_packed_seq"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Store) metaPath(docID, instance string) string {
	return filepath.Join(s.DocDir(docID), "meta", instance+".json")
}

// readMeta returns the bookkeeping record for an instance, nil when absent
// or unreadable (callers fall back to scanning).
func (s *Store) readMeta(docID, instance string) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(docID, instance))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read meta file: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		// Corrupt bookkeeping degrades to a scan.
		return nil, nil
	}
	return &m, nil
}

// writeMeta applies mutate to this instance's bookkeeping record and writes
// it back atomically.
func (s *Store) writeMeta(docID string, mutate func(*Meta)) error {
	m, err := s.readMeta(docID, s.instance)
	if err != nil || m == nil {
		m = &Meta{Instance: s.instance}
	}
	mutate(m)
	m.UpdatedAt = time.Now().UTC()

	path := s.metaPath(docID, s.instance)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create meta directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

// ReadMeta exposes another instance's bookkeeping record for diagnostics.
func (s *Store) ReadMeta(docID, instance string) (*Meta, error) {
	return s.readMeta(docID, instance)
}

// isOwnFile reports whether a shared-folder path belongs to this instance's
// sub-log. The sync scheduler uses it to ignore echo events from local
// writes.
func (s *Store) isOwnFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), s.instance+".")
}

// IsForeignFragment reports whether path looks like a fragment written by
// another instance.
func (s *Store) IsForeignFragment(path string) bool {
	_, _, _, ok := ParseFragmentName(filepath.Base(path))
	return ok && !s.isOwnFile(path)
}
