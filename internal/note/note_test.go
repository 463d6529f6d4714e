package note

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
)

// TestSeedAndProject verifies that a seeded note projects back unchanged.
func TestSeedAndProject(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := &Note{
		ID:       "n1",
		Title:    "Groceries",
		Body:     "milk\neggs",
		Created:  created,
		Modified: created,
	}

	doc := crdt.NewDoc()
	Seed(doc, "inst-a", n)

	got := FromDoc("n1", doc)
	if diff := cmp.Diff(n, got); diff != "" {
		t.Errorf("projection mismatch (-want +got):\n%s", diff)
	}
}

// TestMergeExternalNoChange verifies that merging an identical external note
// produces no update entries.
func TestMergeExternalNoChange(t *testing.T) {
	n := &Note{ID: "n1", Title: "a", Body: "b", Created: time.Now().UTC()}
	doc := crdt.NewDoc()
	Seed(doc, "inst-a", n)

	u := MergeExternal(doc, "inst-a", n)
	if len(u.Entries) != 0 {
		t.Errorf("MergeExternal() produced %d entries for an identical note, want 0", len(u.Entries))
	}
}

// TestMergeExternalRewritesDiffering verifies that only differing fields are
// rewritten and the projection follows the external value.
func TestMergeExternalRewritesDiffering(t *testing.T) {
	doc := crdt.NewDoc()
	Seed(doc, "inst-a", &Note{ID: "n1", Title: "old", Body: "same", Created: time.Now().UTC()})

	u := MergeExternal(doc, "inst-a", &Note{ID: "n1", Title: "new", Body: "same"})
	if len(u.Entries) == 0 {
		t.Fatal("MergeExternal() produced no entries for a differing note")
	}

	got := FromDoc("n1", doc)
	if got.Title != "new" {
		t.Errorf("Title = %q, want %q", got.Title, "new")
	}
	if got.Body != "same" {
		t.Errorf("Body = %q, want %q", got.Body, "same")
	}
}

// TestFolderTreeProjection verifies folder and placement round trips,
// including tombstoned folders.
func TestFolderTreeProjection(t *testing.T) {
	doc := crdt.NewDoc()
	SetFolder(doc, "inst-a", Folder{ID: "f1", Name: "Work"})
	SetFolder(doc, "inst-a", Folder{ID: "f2", Name: "Archive", ParentID: "f1", Deleted: true})
	PlaceNote(doc, "inst-a", "n1", "f1")

	got := TreeFromDoc(doc)
	want := &FolderTree{
		Folders: []Folder{
			{ID: "f1", Name: "Work"},
			{ID: "f2", Name: "Archive", ParentID: "f1", Deleted: true},
		},
		Placement: map[string]string{"n1": "f1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

// TestFolderTreeConvergesAcrossInstances verifies two instances editing the
// tree concurrently converge to one structure.
func TestFolderTreeConvergesAcrossInstances(t *testing.T) {
	docA := crdt.NewDoc()
	docB := crdt.NewDoc()

	ua := SetFolder(docA, "inst-a", Folder{ID: "f1", Name: "From A"})
	ub := SetFolder(docB, "inst-b", Folder{ID: "f2", Name: "From B"})

	docA.ApplyUpdate(ub)
	docB.ApplyUpdate(ua)

	if diff := cmp.Diff(TreeFromDoc(docA), TreeFromDoc(docB)); diff != "" {
		t.Errorf("instances diverged (-a +b):\n%s", diff)
	}
	if got := len(TreeFromDoc(docA).Folders); got != 2 {
		t.Errorf("folder count = %d, want 2", got)
	}
}
