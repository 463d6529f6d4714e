package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestSetGet verifies basic register reads and writes.
func TestSetGet(t *testing.T) {
	doc := NewDoc()
	doc.Set("a", "title", []byte("hello"))

	got, ok := doc.Get("title")
	if !ok {
		t.Fatal("Get() reported key missing after Set()")
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want %q", got, "hello")
	}
}

// TestDeleteTombstones verifies that deleted keys read as absent but still
// count as document content.
func TestDeleteTombstones(t *testing.T) {
	doc := NewDoc()
	doc.Set("a", "title", []byte("hello"))
	doc.Delete("a", "title")

	if _, ok := doc.Get("title"); ok {
		t.Error("Get() returned a value for a deleted key")
	}
	if doc.IsEmpty() {
		t.Error("IsEmpty() = true for a document with a tombstone")
	}
}

// TestApplyIdempotent verifies that re-applying an update changes nothing.
func TestApplyIdempotent(t *testing.T) {
	doc := NewDoc()
	u := doc.Set("a", "body", []byte("text"))
	data := EncodeUpdate(u)

	before := doc.State()
	for i := 0; i < 3; i++ {
		if err := doc.Apply(data); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
	}
	after := doc.State()

	if diff := cmp.Diff(decodeSorted(t, before), decodeSorted(t, after)); diff != "" {
		t.Errorf("state changed after duplicate application (-before +after):\n%s", diff)
	}
}

// TestLWWTieBreak verifies that equal lamport times resolve by instance ID so
// every replica picks the same winner.
func TestLWWTieBreak(t *testing.T) {
	a := Entry{Key: "k", Value: []byte("from-a"), Lamport: 5, Instance: "aaa"}
	b := Entry{Key: "k", Value: []byte("from-b"), Lamport: 5, Instance: "bbb"}

	for _, order := range [][]Entry{{a, b}, {b, a}} {
		doc := NewDoc()
		for _, e := range order {
			doc.ApplyUpdate(Update{Entries: []Entry{e}})
		}
		got, _ := doc.Get("k")
		if string(got) != "from-b" {
			t.Errorf("order %v: winner = %q, want %q", order, got, "from-b")
		}
	}
}

// TestConvergence verifies the core property: updates from several instances
// applied in any order, with duplicates, produce identical documents.
func TestConvergence(t *testing.T) {
	instances := []string{"inst-a", "inst-b", "inst-c"}

	// Each instance writes through its own doc so lamport clocks overlap.
	var updates [][]byte
	for _, inst := range instances {
		doc := NewDoc()
		for i := 0; i < 20; i++ {
			u := doc.Set(inst, fmt.Sprintf("key-%d", i%7), []byte(fmt.Sprintf("%s-%d", inst, i)))
			updates = append(updates, EncodeUpdate(u))
		}
	}

	rng := rand.New(rand.NewSource(42))
	var states [][]byte
	for trial := 0; trial < 5; trial++ {
		shuffled := append([][]byte(nil), updates...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		// Duplicate a random prefix to exercise idempotence.
		shuffled = append(shuffled, shuffled[:rng.Intn(len(shuffled))]...)

		doc := NewDoc()
		for _, data := range shuffled {
			if err := doc.Apply(data); err != nil {
				t.Fatalf("Apply() failed: %v", err)
			}
		}
		states = append(states, doc.State())
	}

	want := decodeSorted(t, states[0])
	for i, state := range states[1:] {
		if diff := cmp.Diff(want, decodeSorted(t, state)); diff != "" {
			t.Fatalf("trial %d diverged (-first +trial):\n%s", i+1, diff)
		}
	}
}

// TestStateRoundTrip verifies that State() applied to an empty doc is a full
// replica.
func TestStateRoundTrip(t *testing.T) {
	doc := NewDoc()
	doc.Set("a", "title", []byte("note"))
	doc.Set("a", "body", []byte("contents"))
	doc.Delete("a", "body")

	replica := NewDoc()
	if err := replica.Apply(doc.State()); err != nil {
		t.Fatalf("Apply(State()) failed: %v", err)
	}

	if diff := cmp.Diff(decodeSorted(t, doc.State()), decodeSorted(t, replica.State())); diff != "" {
		t.Errorf("replica state differs (-original +replica):\n%s", diff)
	}
}

// TestMergeUpdates verifies that folding blobs into one is transparent to
// merge results.
func TestMergeUpdates(t *testing.T) {
	writer := NewDoc()
	var blobs [][]byte
	for i := 0; i < 5; i++ {
		u := writer.Set("a", fmt.Sprintf("k%d", i), []byte{byte(i)})
		blobs = append(blobs, EncodeUpdate(u))
	}

	packed, err := MergeUpdates(blobs)
	if err != nil {
		t.Fatalf("MergeUpdates() failed: %v", err)
	}

	individually := NewDoc()
	for _, b := range blobs {
		if err := individually.Apply(b); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
	}
	combined := NewDoc()
	if err := combined.Apply(packed); err != nil {
		t.Fatalf("Apply(packed) failed: %v", err)
	}

	if diff := cmp.Diff(decodeSorted(t, individually.State()), decodeSorted(t, combined.State())); diff != "" {
		t.Errorf("packed merge differs from individual merge:\n%s", diff)
	}
}

// TestDecodeUpdateRejectsGarbage verifies the codec surfaces
// ErrMalformedUpdate for every flavor of broken input.
func TestDecodeUpdateRejectsGarbage(t *testing.T) {
	valid := EncodeUpdate(Update{Entries: []Entry{{Key: "k", Value: []byte("v"), Lamport: 1, Instance: "a"}}})

	cases := map[string][]byte{
		"empty":          {},
		"bad magic":      []byte("XXXX\x00"),
		"truncated":      valid[:len(valid)-2],
		"trailing bytes": append(append([]byte(nil), valid...), 0xFF),
		"random":         bytes.Repeat([]byte{0xAB}, 40),
	}

	for name, data := range cases {
		if _, err := DecodeUpdate(data); !errors.Is(err, ErrMalformedUpdate) {
			t.Errorf("%s: DecodeUpdate() error = %v, want ErrMalformedUpdate", name, err)
		}
	}
}

// TestCodecRoundTrip verifies encode/decode preserves entries exactly.
func TestCodecRoundTrip(t *testing.T) {
	u := Update{Entries: []Entry{
		{Key: "title", Value: []byte("hello"), Lamport: 7, Instance: "inst-a"},
		{Key: "body", Value: nil, Lamport: 9, Instance: "inst-b", Deleted: true},
		{Key: "", Value: []byte{0, 1, 2}, Lamport: 0, Instance: ""},
	}}

	got, err := DecodeUpdate(EncodeUpdate(u))
	if err != nil {
		t.Fatalf("DecodeUpdate() failed: %v", err)
	}
	if diff := cmp.Diff(u, got, cmp.Comparer(bytesEqual)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func bytesEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// decodeSorted decodes a state blob into a key-indexed map for comparison.
func decodeSorted(t *testing.T, state []byte) map[string]Entry {
	t.Helper()
	u, err := DecodeUpdate(state)
	if err != nil {
		t.Fatalf("DecodeUpdate(state) failed: %v", err)
	}
	m := make(map[string]Entry, len(u.Entries))
	for _, e := range u.Entries {
		m[e.Key] = e
	}
	return m
}
