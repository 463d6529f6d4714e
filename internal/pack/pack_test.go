package pack

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
	"github.com/drewcsillag/notecove-sub010/internal/store"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// writeRun appends n single-update fragments through the writer doc and
// returns it.
func writeRun(t *testing.T, st *store.Store, docID string, n int) *crdt.Doc {
	t.Helper()
	ctx := context.Background()
	writer := crdt.NewDoc()
	for i := 0; i < n; i++ {
		u := writer.Set(st.Instance(), fmt.Sprintf("k%d", i%3), []byte(fmt.Sprintf("v%d", i)))
		if _, err := st.AppendUpdate(ctx, docID, crdt.EncodeUpdate(u)); err != nil {
			t.Fatalf("AppendUpdate() failed: %v", err)
		}
	}
	return writer
}

// mergeAll replays every fragment of a document into a fresh doc.
func mergeAll(t *testing.T, st *store.Store, docID string) map[string]string {
	t.Helper()
	doc := crdt.NewDoc()
	descs, err := st.ListFragments(docID, nil)
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	for _, d := range descs {
		data, err := st.ReadFragment(d)
		if err != nil {
			t.Fatalf("ReadFragment() failed: %v", err)
		}
		if err := doc.Apply(data); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
	}
	out := make(map[string]string)
	for _, k := range doc.Keys("") {
		v, _ := doc.Get(k)
		out[k] = string(v)
	}
	return out
}

// TestPackTransparency exercises packing five sequential
// files into one range file, deleting the originals, and re-reading
// produces identical content.
func TestPackTransparency(t *testing.T) {
	st := store.New(t.TempDir(), "inst-a", testLogger())
	writeRun(t, st, "n1", 5)

	before := mergeAll(t, st, "n1")

	c := New(st, Options{Threshold: 5}, testLogger())
	removed, err := c.Pack(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}
	if removed != 5 {
		t.Errorf("Pack() removed %d originals, want 5", removed)
	}

	descs, err := st.ListFragments("n1", nil)
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("after pack: %d fragments, want 1", len(descs))
	}
	if descs[0].Start != 1 || descs[0].End != 5 {
		t.Errorf("packed range = %d-%d, want 1-5", descs[0].Start, descs[0].End)
	}

	after := mergeAll(t, st, "n1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("content changed by packing (-before +after):\n%s", diff)
	}
}

// TestPackPreservesClock verifies clock derivation sees the packed range as
// covering every sequence in [start, end].
func TestPackPreservesClock(t *testing.T) {
	st := store.New(t.TempDir(), "inst-a", testLogger())
	writeRun(t, st, "n1", 6)

	c := New(st, Options{Threshold: 6}, testLogger())
	if _, err := c.Pack(context.Background(), "n1"); err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}

	clock, err := st.ScanClock("n1")
	if err != nil {
		t.Fatalf("ScanClock() failed: %v", err)
	}
	if diff := cmp.Diff(vclock.VectorClock{"inst-a": 6}, clock); diff != "" {
		t.Errorf("clock after pack (-want +got):\n%s", diff)
	}
}

// TestPackBelowThreshold verifies short runs are left alone.
func TestPackBelowThreshold(t *testing.T) {
	st := store.New(t.TempDir(), "inst-a", testLogger())
	writeRun(t, st, "n1", 3)

	c := New(st, Options{Threshold: 5}, testLogger())
	removed, err := c.Pack(context.Background(), "n1")
	if err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("Pack() removed %d files below threshold, want 0", removed)
	}

	descs, _ := st.ListFragments("n1", nil)
	if len(descs) != 3 {
		t.Errorf("fragments = %d, want 3 untouched", len(descs))
	}
}

// TestPackNeverCrossesInstances verifies another instance's files are never
// folded or deleted.
func TestPackNeverCrossesInstances(t *testing.T) {
	root := t.TempDir()
	a := store.New(root, "inst-a", testLogger())
	b := store.New(root, "inst-b", testLogger())
	writeRun(t, a, "n1", 4)
	writeRun(t, b, "n1", 4)

	c := New(a, Options{Threshold: 4}, testLogger())
	if _, err := c.Pack(context.Background(), "n1"); err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}

	descs, err := a.ListFragments("n1", nil)
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	var aFrags, bFrags int
	for _, d := range descs {
		switch d.Instance {
		case "inst-a":
			aFrags++
		case "inst-b":
			bFrags++
		}
	}
	if aFrags != 1 {
		t.Errorf("inst-a fragments = %d, want 1 packed range", aFrags)
	}
	if bFrags != 4 {
		t.Errorf("inst-b fragments = %d, want 4 untouched", bFrags)
	}
}

// TestPackIncrementally verifies a packed range folds together with newer
// singles on the next pass.
func TestPackIncrementally(t *testing.T) {
	st := store.New(t.TempDir(), "inst-a", testLogger())
	ctx := context.Background()
	writer := writeRun(t, st, "n1", 5)

	c := New(st, Options{Threshold: 3}, testLogger())
	if _, err := c.Pack(ctx, "n1"); err != nil {
		t.Fatalf("first Pack() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		u := writer.Set("inst-a", "extra", []byte{byte(i)})
		if _, err := st.AppendUpdate(ctx, "n1", crdt.EncodeUpdate(u)); err != nil {
			t.Fatalf("AppendUpdate() failed: %v", err)
		}
	}
	if _, err := c.Pack(ctx, "n1"); err != nil {
		t.Fatalf("second Pack() failed: %v", err)
	}

	descs, err := st.ListFragments("n1", nil)
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	if len(descs) != 1 || descs[0].Start != 1 || descs[0].End != 8 {
		t.Fatalf("after repack: %+v, want single 1-8 range", descs)
	}

	state := mergeAll(t, st, "n1")
	if state["extra"] != string([]byte{2}) {
		t.Errorf("extra = %q after repack", state["extra"])
	}
}

// TestPackSweepsLeftoverOriginals verifies a fragment sitting inside an
// existing range file (an original whose deletion failed after packing) is
// removed on the next pass instead of blocking further packing forever.
func TestPackSweepsLeftoverOriginals(t *testing.T) {
	st := store.New(t.TempDir(), "inst-a", testLogger())
	ctx := context.Background()
	writeRun(t, st, "n1", 5)
	before := mergeAll(t, st, "n1")

	// Save the seq-2 fragment bytes so the leftover can be recreated
	// byte-for-byte after packing.
	descs, err := st.ListFragments("n1", nil)
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	leftover, err := st.ReadFragment(descs[1])
	if err != nil {
		t.Fatalf("ReadFragment() failed: %v", err)
	}

	c := New(st, Options{Threshold: 5}, testLogger())
	if _, err := c.Pack(ctx, "n1"); err != nil {
		t.Fatalf("first Pack() failed: %v", err)
	}
	if _, err := st.WriteRangeFragment("n1", 2, 2, leftover); err != nil {
		t.Fatalf("WriteRangeFragment() failed: %v", err)
	}

	removed, err := c.Pack(ctx, "n1")
	if err != nil {
		t.Fatalf("second Pack() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Pack() removed %d files, want 1 swept leftover", removed)
	}

	after, err := st.ListFragments("n1", nil)
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	if len(after) != 1 || after[0].Start != 1 || after[0].End != 5 {
		t.Fatalf("after sweep: %+v, want single 1-5 range", after)
	}
	if diff := cmp.Diff(before, mergeAll(t, st, "n1")); diff != "" {
		t.Errorf("content changed by sweep (-before +after):\n%s", diff)
	}
}

// TestPackNeverCrossesGaps verifies a sequence gap stops the run.
func TestPackNeverCrossesGaps(t *testing.T) {
	st := store.New(t.TempDir(), "inst-a", testLogger())
	writeRun(t, st, "n1", 6)

	// Simulate a lost middle fragment.
	descs, _ := st.ListFragments("n1", nil)
	if err := st.RemoveFragment(descs[2]); err != nil {
		t.Fatalf("RemoveFragment() failed: %v", err)
	}

	c := New(st, Options{Threshold: 2}, testLogger())
	if _, err := c.Pack(context.Background(), "n1"); err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}

	after, err := st.ListFragments("n1", nil)
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	// 1-2 packed; 4, 5, 6 left beyond the gap.
	if len(after) != 4 {
		t.Fatalf("after pack: %d fragments, want 4", len(after))
	}
	if after[0].Start != 1 || after[0].End != 2 {
		t.Errorf("packed range = %d-%d, want 1-2", after[0].Start, after[0].End)
	}
}
