// Package syncd provides the sync scheduler that keeps in-memory documents
// and the local cache converged with the shared storage directory.
//
// The scheduler:
//  1. Watches the storage directory for fragment files written by other
//     instances
//  2. Polls the activity log as a fallback for missed filesystem events
//  3. Periodically performs a full scan as the safety net
//  4. Runs maintenance (packing, snapshots) on a timer
//  5. Handles graceful shutdown
//
// All three discovery channels funnel into one debounced change queue, so
// a burst of cloud-sync file arrivals becomes a single sync pass per
// document. None of the channels is load-bearing for correctness: the full
// scan alone converges, the others just make it fast.
package syncd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drewcsillag/notecove-sub010/internal/docs"
	"github.com/drewcsillag/notecove-sub010/internal/pack"
	"github.com/drewcsillag/notecove-sub010/internal/store"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
)

// Status describes what the scheduler is currently doing.
type Status string

const (
	// StatusWatching means the scheduler is idle, waiting for changes.
	StatusWatching Status = "watching"
	// StatusSyncing means at least one document sync is in progress.
	StatusSyncing Status = "syncing"
	// StatusError means the most recent sync attempt failed.
	StatusError Status = "error"
)

// Config holds configuration for the scheduler.
type Config struct {
	// DebounceInterval is how long to wait before processing file changes.
	// This batches the rapid create bursts cloud sync clients produce.
	DebounceInterval time.Duration

	// ActivityPollInterval is how often to read other instances' activity
	// logs for change hints.
	ActivityPollInterval time.Duration

	// FullScanInterval is how often to rescan every document. The full
	// scan catches anything the watcher and activity log missed.
	FullScanInterval time.Duration

	// MaintenanceInterval is how often to run packing and snapshot checks.
	MaintenanceInterval time.Duration

	// SyncTimeout bounds a single document sync.
	SyncTimeout time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:     200 * time.Millisecond,
		ActivityPollInterval: 2 * time.Second,
		FullScanInterval:     5 * time.Minute,
		MaintenanceInterval:  time.Minute,
		SyncTimeout:          30 * time.Second,
		Logger:               log.New(os.Stderr, "[syncd] ", log.LstdFlags),
	}
}

// Metrics is a snapshot of the scheduler's counters.
type Metrics struct {
	Attempts  uint64 `json:"attempts"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Timeouts  uint64 `json:"timeouts"`
	FullScans uint64 `json:"full_scans"`
}

// Scheduler orchestrates file watching, activity polling, and sync passes
// for one storage directory.
type Scheduler struct {
	st        *store.Store
	mgr       *docs.Manager
	compactor *pack.Compactor
	config    *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // docID -> queued at
	rescan        map[string]bool      // docs whose next sync ignores the applied clock
	changeQueueMu sync.Mutex

	watchedMu   sync.Mutex
	watchedDirs map[string]bool

	// activityNudge wakes the activity poller early when an activity log
	// file changes on disk.
	activityNudge chan struct{}
	activityAfter time.Time

	status   atomic.Value // Status
	attempts atomic.Uint64
	success  atomic.Uint64
	failures atomic.Uint64
	timeouts atomic.Uint64
	scans    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. The compactor may be nil to disable packing.
//
// Use Start() to begin watching and syncing.
func New(st *store.Store, mgr *docs.Manager, compactor *pack.Compactor, config *Config) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if mgr == nil {
		return nil, fmt.Errorf("document manager cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		st:            st,
		mgr:           mgr,
		compactor:     compactor,
		config:        config,
		watcher:       watcher,
		changeQueue:   make(map[string]time.Time),
		rescan:        make(map[string]bool),
		watchedDirs:   make(map[string]bool),
		activityNudge: make(chan struct{}, 1),
		activityAfter: time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.status.Store(StatusWatching)
	return s, nil
}

// Start begins the scheduler's operation.
//
// The scheduler will:
//  1. Perform an initial full scan
//  2. Watch the docs and activity directories for changes
//  3. Poll activity logs and process queued changes with debouncing
//  4. Run maintenance periodically
//
// This blocks until ctx is cancelled or an error occurs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.config.Logger.Println("Starting sync scheduler")

	if err := s.addWatchRoots(); err != nil {
		return err
	}

	if err := s.PerformFullScan(); err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}

	s.wg.Add(5)
	go s.watchFileEvents()
	go s.processChangeQueue()
	go s.pollActivity()
	go s.fullScanLoop()
	go s.maintenanceLoop()

	select {
	case <-ctx.Done():
		s.config.Logger.Println("Shutdown signal received")
		return s.Stop()
	case <-s.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.config.Logger.Println("Stopping sync scheduler")

	s.cancel()
	if err := s.watcher.Close(); err != nil {
		s.config.Logger.Printf("Error closing watcher: %v", err)
	}
	s.wg.Wait()

	s.config.Logger.Println("Sync scheduler stopped")
	return nil
}

// GetStatus returns what the scheduler is currently doing.
func (s *Scheduler) GetStatus() Status {
	return s.status.Load().(Status)
}

// GetMetrics returns a snapshot of the scheduler's counters.
func (s *Scheduler) GetMetrics() Metrics {
	return Metrics{
		Attempts:  s.attempts.Load(),
		Successes: s.success.Load(),
		Failures:  s.failures.Load(),
		Timeouts:  s.timeouts.Load(),
		FullScans: s.scans.Load(),
	}
}

func (s *Scheduler) docsDir() string {
	return filepath.Join(s.st.Root(), "docs")
}

func (s *Scheduler) activityDir() string {
	return filepath.Dir(s.st.ActivityLogPath())
}

// addWatchRoots watches the docs and activity directories plus every
// existing document directory.
func (s *Scheduler) addWatchRoots() error {
	for _, dir := range []string{s.docsDir(), s.activityDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := s.watchDir(dir); err != nil {
			return err
		}
	}

	docIDs, err := s.st.ListDocs()
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	for _, id := range docIDs {
		if err := s.watchDir(s.st.DocDir(id)); err != nil {
			s.config.Logger.Printf("Warning: failed to watch %s: %v", id, err)
		}
	}
	return nil
}

func (s *Scheduler) watchDir(dir string) error {
	s.watchedMu.Lock()
	defer s.watchedMu.Unlock()

	if s.watchedDirs[dir] {
		return nil
	}
	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.watchedDirs[dir] = true
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (s *Scheduler) watchFileEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (s *Scheduler) handleEvent(event fsnotify.Event) {
	// Cloud sync clients surface arrivals as Create or Rename; local
	// appends as Write.
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// A new document directory appeared: watch it and sync the doc.
	if filepath.Dir(event.Name) == s.docsDir() {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if err := s.watchDir(event.Name); err != nil {
				s.config.Logger.Printf("Warning: %v", err)
			}
			s.queueChange(filepath.Base(event.Name))
		}
		return
	}

	// Activity log changed: wake the poller.
	if filepath.Dir(event.Name) == s.activityDir() {
		if strings.HasSuffix(event.Name, ".log") && event.Name != s.st.ActivityLogPath() {
			select {
			case s.activityNudge <- struct{}{}:
			default:
			}
		}
		return
	}

	// Fragment files from other instances trigger a sync of their doc.
	// This instance's own writes are already in memory.
	if filepath.Ext(event.Name) != store.FragmentExt {
		return
	}
	if !s.st.IsForeignFragment(event.Name) {
		return
	}
	s.queueChange(filepath.Base(filepath.Dir(event.Name)))
}

// queueChange adds a document to the change queue with debouncing.
func (s *Scheduler) queueChange(docID string) {
	s.changeQueueMu.Lock()
	defer s.changeQueueMu.Unlock()

	s.changeQueue[docID] = time.Now()
}

// markRescan flags a document so its next sync pass lists every fragment
// instead of only those past the applied clock.
func (s *Scheduler) markRescan(docID string) {
	s.changeQueueMu.Lock()
	defer s.changeQueueMu.Unlock()

	s.rescan[docID] = true
}

// takeRescan consumes a pending rescan flag.
func (s *Scheduler) takeRescan(docID string) bool {
	s.changeQueueMu.Lock()
	defer s.changeQueueMu.Unlock()

	if !s.rescan[docID] {
		return false
	}
	delete(s.rescan, docID)
	return true
}

// processChangeQueue processes queued changes once they have settled.
func (s *Scheduler) processChangeQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.processPendingChanges()
		}
	}
}

func (s *Scheduler) processPendingChanges() {
	s.changeQueueMu.Lock()
	now := time.Now()
	var due []string
	for docID, queuedAt := range s.changeQueue {
		if now.Sub(queuedAt) < s.config.DebounceInterval {
			continue
		}
		due = append(due, docID)
		delete(s.changeQueue, docID)
	}
	s.changeQueueMu.Unlock()

	for _, docID := range due {
		if err := s.SyncDoc(docID); err != nil {
			s.config.Logger.Printf("Error syncing %s: %v", docID, err)
		}
	}
}

// pollActivity reads other instances' activity logs and queues the
// documents they touched. The activity log is a hint channel only.
func (s *Scheduler) pollActivity() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ActivityPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.activityNudge:
		}

		records, err := s.st.ActivitySince(s.activityAfter)
		if err != nil {
			s.config.Logger.Printf("Warning: activity poll failed: %v", err)
			continue
		}
		for _, rec := range records {
			s.queueChange(rec.Doc)
			if rec.At.After(s.activityAfter) {
				s.activityAfter = rec.At
			}
		}
	}
}

// fullScanLoop periodically syncs every document in the storage directory.
func (s *Scheduler) fullScanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FullScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.PerformFullScan(); err != nil {
				s.config.Logger.Printf("Error in full scan: %v", err)
			}
		}
	}
}

// PerformFullScan syncs all documents and watches any new directories.
// Called on startup and on the full-scan timer; safe to trigger manually.
func (s *Scheduler) PerformFullScan() error {
	s.scans.Add(1)
	s.config.Logger.Println("Performing full scan")

	docIDs, err := s.st.ListDocs()
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}

	failed := 0
	for _, docID := range docIDs {
		if err := s.watchDir(s.st.DocDir(docID)); err != nil {
			s.config.Logger.Printf("Warning: %v", err)
		}
		if err := s.SyncDoc(docID); err != nil {
			s.config.Logger.Printf("Warning: failed to sync %s: %v", docID, err)
			failed++
		}
	}

	s.config.Logger.Printf("Full scan complete: %d documents (failed=%d)", len(docIDs), failed)
	return nil
}

// SyncDoc brings one document up to date with the shared log.
//
// Loaded documents get new fragments applied incrementally. Unloaded
// documents are loaded and released, which reindexes their projection and
// refreshes their sync state as a side effect of the load.
func (s *Scheduler) SyncDoc(docID string) error {
	s.attempts.Add(1)
	s.status.Store(StatusSyncing)

	ctx, cancel := context.WithTimeout(s.ctx, s.config.SyncTimeout)
	defer cancel()

	err := s.syncDoc(ctx, docID)
	switch {
	case err == nil:
		s.success.Add(1)
		s.status.Store(StatusWatching)
	case errors.Is(err, context.DeadlineExceeded):
		s.timeouts.Add(1)
		s.failures.Add(1)
		s.status.Store(StatusError)
		// Not retried inline. The next sync of this doc ignores the
		// applied clock and re-scans every fragment; replay is idempotent
		// so drift left by the interrupted pass washes out.
		s.markRescan(docID)
		s.queueChange(docID)
	default:
		s.failures.Add(1)
		s.status.Store(StatusError)
	}
	return err
}

func (s *Scheduler) syncDoc(ctx context.Context, docID string) error {
	if !s.mgr.IsLoaded(docID) {
		if err := s.mgr.Acquire(ctx, docID); err != nil {
			return fmt.Errorf("failed to load %s: %w", docID, err)
		}
		s.mgr.Release(docID)
		return nil
	}

	var clock vclock.VectorClock
	if !s.takeRescan(docID) {
		var err error
		clock, err = s.mgr.AppliedClock(docID)
		if err != nil {
			return err
		}
	}
	descs, err := s.st.ListFragments(docID, clock)
	if err != nil {
		return fmt.Errorf("failed to list fragments for %s: %w", docID, err)
	}
	if len(descs) == 0 {
		return nil
	}

	applied := 0
	for _, d := range descs {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The document may have been destroyed mid-sync.
		if !s.mgr.IsLoaded(docID) {
			return nil
		}
		data, err := s.st.ReadFragment(d)
		if err != nil {
			s.config.Logger.Printf("Warning: skipping fragment %s: %v", d.Path, err)
			continue
		}
		if err := s.mgr.ApplyFragment(docID, d, data); err != nil {
			s.config.Logger.Printf("Warning: failed to apply fragment %s: %v", d.Path, err)
			continue
		}
		applied++
	}

	if applied > 0 {
		s.config.Logger.Printf("Synced %s: applied %d fragments", docID, applied)
		if err := s.mgr.Checkpoint(ctx, docID); err != nil && !errors.Is(err, docs.ErrNotLoaded) {
			s.config.Logger.Printf("Warning: checkpoint failed for %s: %v", docID, err)
		}
	}
	return nil
}

// maintenanceLoop periodically packs fragment runs and evaluates snapshot
// thresholds.
func (s *Scheduler) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *Scheduler) runMaintenance() {
	docIDs, err := s.st.ListDocs()
	if err != nil {
		s.config.Logger.Printf("Error listing documents for maintenance: %v", err)
		return
	}

	for _, docID := range docIDs {
		if s.compactor != nil {
			ctx, cancel := context.WithTimeout(s.ctx, s.config.SyncTimeout)
			packed, err := s.compactor.Pack(ctx, docID)
			cancel()
			if err != nil {
				s.config.Logger.Printf("Error packing %s: %v", docID, err)
			} else if packed > 0 {
				s.config.Logger.Printf("Packed %d fragments for %s", packed, docID)
			}
		}
		if s.mgr.IsLoaded(docID) {
			if err := s.mgr.MaybeSnapshot(docID); err != nil && !errors.Is(err, docs.ErrNotLoaded) {
				s.config.Logger.Printf("Error evaluating snapshot for %s: %v", docID, err)
			}
		}
	}
}
