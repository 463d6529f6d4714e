package syncd

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
	"github.com/drewcsillag/notecove-sub010/internal/docs"
	"github.com/drewcsillag/notecove-sub010/internal/note"
	"github.com/drewcsillag/notecove-sub010/internal/pack"
	"github.com/drewcsillag/notecove-sub010/internal/snapshot"
	"github.com/drewcsillag/notecove-sub010/internal/store"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// testConfig returns a config with intervals short enough for tests.
func testConfig() *Config {
	return &Config{
		DebounceInterval:     20 * time.Millisecond,
		ActivityPollInterval: 50 * time.Millisecond,
		FullScanInterval:     250 * time.Millisecond,
		MaintenanceInterval:  100 * time.Millisecond,
		SyncTimeout:          5 * time.Second,
		Logger:               testLogger(),
	}
}

type fakeSink struct {
	mu      sync.Mutex
	notes   map[string]*note.Note
	changed int
}

func newFakeSink() *fakeSink {
	return &fakeSink{notes: make(map[string]*note.Note)}
}

func (f *fakeSink) NoteChanged(docID string, n *note.Note) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[docID] = n
	f.changed++
}

func (f *fakeSink) FolderTreeChanged(*note.FolderTree) {}

func (f *fakeSink) note(docID string) *note.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notes[docID]
}

func (f *fakeSink) changes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

type instance struct {
	st   *store.Store
	mgr  *docs.Manager
	sink *fakeSink
}

func newInstance(t *testing.T, root, id string) *instance {
	t.Helper()
	logger := testLogger()
	st := store.New(root, id, logger)
	snaps := snapshot.NewManager(st, logger)
	tracker := vclock.NewTracker(st, snaps, logger)
	sink := newFakeSink()
	mgr := docs.NewManager(st, snaps, tracker, docs.Options{SDID: "sd-test", Sink: sink, Logger: logger})
	return &instance{st: st, mgr: mgr, sink: sink}
}

func newScheduler(t *testing.T, inst *instance, config *Config) *Scheduler {
	t.Helper()
	s, err := New(inst.st, inst.mgr, nil, config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func writeRemoteNote(t *testing.T, inst *instance, docID, title, body string) {
	t.Helper()
	d := crdt.NewDoc()
	u := note.Seed(d, inst.st.Instance(), &note.Note{ID: docID, Title: title, Body: body})
	if _, err := inst.st.AppendUpdate(context.Background(), docID, crdt.EncodeUpdate(u)); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	root := t.TempDir()
	inst := newInstance(t, root, "inst-a")

	if _, err := New(nil, inst.mgr, nil, nil); err == nil {
		t.Error("New with nil store should fail")
	}
	if _, err := New(inst.st, nil, nil, nil); err == nil {
		t.Error("New with nil manager should fail")
	}
	s, err := New(inst.st, inst.mgr, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()
	if s.GetStatus() != StatusWatching {
		t.Errorf("initial status = %q, want watching", s.GetStatus())
	}
}

func TestSyncDocAppliesForeignFragments(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	a := newInstance(t, root, "inst-a")
	b := newInstance(t, root, "inst-b")

	writeRemoteNote(t, b, "doc-1", "remote", "v1")

	if err := a.mgr.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.mgr.Release("doc-1")

	s := newScheduler(t, a, testConfig())
	defer s.Stop()

	// Another fragment arrives after load.
	d := crdt.NewDoc()
	note.Seed(d, "inst-b", &note.Note{ID: "doc-1", Title: "remote", Body: "v1"})
	u := note.MergeExternal(d, "inst-b", &note.Note{ID: "doc-1", Title: "remote", Body: "v2"})
	if _, err := b.st.AppendUpdate(ctx, "doc-1", crdt.EncodeUpdate(u)); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	if err := s.SyncDoc("doc-1"); err != nil {
		t.Fatalf("SyncDoc: %v", err)
	}

	n, err := a.mgr.GetNote("doc-1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Body != "v2" {
		t.Errorf("body = %q, want v2", n.Body)
	}

	m := s.GetMetrics()
	if m.Attempts == 0 || m.Successes == 0 || m.Failures != 0 {
		t.Errorf("metrics = %+v, want attempts and successes, no failures", m)
	}
	if s.GetStatus() != StatusWatching {
		t.Errorf("status = %q after successful sync, want watching", s.GetStatus())
	}
}

func TestSyncTimeoutTriggersDocRescan(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	a := newInstance(t, root, "inst-a")
	b := newInstance(t, root, "inst-b")

	writeRemoteNote(t, b, "doc-1", "t", "v1")
	if err := a.mgr.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.mgr.Release("doc-1")

	cfg := testConfig()
	s := newScheduler(t, a, cfg)
	defer s.Stop()

	// A second foreign fragment arrives, then a sync pass whose deadline
	// has already expired gives up before applying it.
	d := crdt.NewDoc()
	note.Seed(d, "inst-b", &note.Note{ID: "doc-1", Title: "t", Body: "v1"})
	u := note.MergeExternal(d, "inst-b", &note.Note{ID: "doc-1", Title: "t", Body: "v2"})
	if _, err := b.st.AppendUpdate(ctx, "doc-1", crdt.EncodeUpdate(u)); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	cfg.SyncTimeout = time.Nanosecond
	if err := s.SyncDoc("doc-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SyncDoc with expired deadline = %v, want deadline exceeded", err)
	}
	if got := s.GetMetrics().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}

	s.changeQueueMu.Lock()
	_, queued := s.changeQueue["doc-1"]
	marked := s.rescan["doc-1"]
	s.changeQueueMu.Unlock()
	if !queued {
		t.Error("doc not requeued after timeout")
	}
	if !marked {
		t.Error("doc not marked for rescan after timeout")
	}

	// The follow-up pass ignores the applied clock: both fragments are
	// replayed, not just the one past the clock.
	cfg.SyncTimeout = 5 * time.Second
	before := a.sink.changes()
	if err := s.SyncDoc("doc-1"); err != nil {
		t.Fatalf("SyncDoc after timeout: %v", err)
	}
	if got := a.sink.changes() - before; got != 2 {
		t.Errorf("change notifications during rescan = %d, want 2", got)
	}
	n, err := a.mgr.GetNote("doc-1")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if n.Body != "v2" {
		t.Errorf("body = %q, want v2", n.Body)
	}
	if s.takeRescan("doc-1") {
		t.Error("rescan flag not consumed by the follow-up sync")
	}
}

func TestSyncDocLoadsUnloadedDoc(t *testing.T) {
	root := t.TempDir()
	a := newInstance(t, root, "inst-a")
	b := newInstance(t, root, "inst-b")

	writeRemoteNote(t, b, "doc-1", "hello", "world")

	s := newScheduler(t, a, testConfig())
	defer s.Stop()

	if err := s.SyncDoc("doc-1"); err != nil {
		t.Fatalf("SyncDoc: %v", err)
	}

	// The load path reindexes the projection and releases the doc.
	if a.mgr.IsLoaded("doc-1") {
		t.Error("doc should be released after unloaded-doc sync")
	}
	n := a.sink.note("doc-1")
	if n == nil || n.Title != "hello" {
		t.Errorf("sink saw %+v, want title hello", n)
	}
}

func TestWatcherPicksUpNewFragments(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	a := newInstance(t, root, "inst-a")
	b := newInstance(t, root, "inst-b")

	writeRemoteNote(t, b, "doc-1", "t", "v1")
	if err := a.mgr.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.mgr.Release("doc-1")

	s := newScheduler(t, a, testConfig())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Start(runCtx) }()

	// Give the watcher time to establish.
	time.Sleep(100 * time.Millisecond)

	d := crdt.NewDoc()
	note.Seed(d, "inst-b", &note.Note{ID: "doc-1", Title: "t", Body: "v1"})
	u := note.MergeExternal(d, "inst-b", &note.Note{ID: "doc-1", Title: "t", Body: "watched"})
	if _, err := b.st.AppendUpdate(ctx, "doc-1", crdt.EncodeUpdate(u)); err != nil {
		t.Fatalf("AppendUpdate: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		n, err := a.mgr.GetNote("doc-1")
		return err == nil && n.Body == "watched"
	}, "watched fragment never applied")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned error: %v", err)
	}
}

func TestActivityLogTriggersSync(t *testing.T) {
	root := t.TempDir()

	a := newInstance(t, root, "inst-a")
	b := newInstance(t, root, "inst-b")

	s := newScheduler(t, a, testConfig())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Start(runCtx) }()

	time.Sleep(100 * time.Millisecond)

	// A brand-new document appears; its directory was never watched, so
	// discovery relies on the activity log (or the full scan).
	writeRemoteNote(t, b, "doc-new", "found", "via activity")

	waitFor(t, 3*time.Second, func() bool {
		n := a.sink.note("doc-new")
		return n != nil && n.Title == "found"
	}, "new document never discovered")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned error: %v", err)
	}
}

func TestFullScanCountsAndConverges(t *testing.T) {
	root := t.TempDir()
	a := newInstance(t, root, "inst-a")
	b := newInstance(t, root, "inst-b")

	writeRemoteNote(t, b, "doc-1", "one", "1")
	writeRemoteNote(t, b, "doc-2", "two", "2")

	s := newScheduler(t, a, testConfig())
	defer s.Stop()

	if err := s.PerformFullScan(); err != nil {
		t.Fatalf("PerformFullScan: %v", err)
	}

	if a.sink.note("doc-1") == nil || a.sink.note("doc-2") == nil {
		t.Error("full scan did not index all documents")
	}
	if got := s.GetMetrics().FullScans; got != 1 {
		t.Errorf("FullScans = %d, want 1", got)
	}
}

func TestMaintenancePacksFragments(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := newInstance(t, root, "inst-a")

	// Write enough own fragments to cross the packing threshold.
	d := crdt.NewDoc()
	for i := 0; i < 4; i++ {
		u := d.Set("inst-a", "k", []byte{byte(i)})
		if _, err := a.st.AppendUpdate(ctx, "doc-1", crdt.EncodeUpdate(u)); err != nil {
			t.Fatalf("AppendUpdate %d: %v", i, err)
		}
	}

	compactor := pack.New(a.st, pack.Options{Threshold: 3}, testLogger())
	s, err := New(a.st, a.mgr, compactor, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	s.runMaintenance()

	descs, err := a.st.ListFragments("doc-1", nil)
	if err != nil {
		t.Fatalf("ListFragments: %v", err)
	}
	if len(descs) != 1 || descs[0].Start != 1 || descs[0].End != 4 {
		t.Errorf("fragments after maintenance = %+v, want single 1-4 range", descs)
	}
}

func TestDebounceCollapsesBursts(t *testing.T) {
	root := t.TempDir()
	a := newInstance(t, root, "inst-a")

	s := newScheduler(t, a, testConfig())
	defer s.Stop()

	for i := 0; i < 10; i++ {
		s.queueChange("doc-1")
	}
	s.changeQueueMu.Lock()
	queued := len(s.changeQueue)
	s.changeQueueMu.Unlock()
	if queued != 1 {
		t.Errorf("queue size after burst = %d, want 1", queued)
	}
}
