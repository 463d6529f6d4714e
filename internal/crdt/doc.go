// Package crdt implements the merge engine used for note and folder-tree
// documents.
//
// A document is a last-writer-wins register map: every key holds the entry
// with the greatest (lamport, instance) pair ever written to it. Updates are
// sets of entries, so applying them is commutative, associative, and
// idempotent by construction. Two application instances can write
// concurrently with no coordination and still converge to the same state.
package crdt

import (
	"sync"
)

// Entry is a single register write: one key set to one value by one instance
// at one lamport time. Deleted entries are tombstones; they win merges like
// any other entry but project as "absent".
type Entry struct {
	// Key identifies the register within the document.
	Key string

	// Value is the register payload at this write.
	Value []byte

	// Lamport is the logical time of the write.
	Lamport uint64

	// Instance identifies the writer, used to break lamport ties
	// deterministically (lexicographically greater instance wins).
	Instance string

	// Deleted marks the register as removed.
	Deleted bool
}

// wins reports whether e supersedes other under LWW ordering.
func (e Entry) wins(other Entry) bool {
	if e.Lamport != other.Lamport {
		return e.Lamport > other.Lamport
	}
	return e.Instance > other.Instance
}

// Update is a set of entries produced by one or more writes. Updates merge
// into a document in any order, any number of times, with the same result.
type Update struct {
	Entries []Entry
}

// Doc is an in-memory merged document. All methods are safe for concurrent
// use.
type Doc struct {
	mu      sync.RWMutex
	entries map[string]Entry
	lamport uint64
}

// NewDoc creates an empty document.
func NewDoc() *Doc {
	return &Doc{entries: make(map[string]Entry)}
}

// IsEmpty reports whether the document has never had an entry merged into it.
// Tombstoned keys still count as content; IsEmpty is a "has any history"
// check, not a "projects to nothing" check.
func (d *Doc) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries) == 0
}

// Set writes a value to a key on behalf of instance and returns the update
// describing the write, suitable for encoding and appending to the update
// log.
func (d *Doc) Set(instance, key string, value []byte) Update {
	return d.write(instance, key, value, false)
}

// Delete tombstones a key on behalf of instance and returns the update
// describing the write.
func (d *Doc) Delete(instance, key string) Update {
	return d.write(instance, key, nil, true)
}

func (d *Doc) write(instance, key string, value []byte, deleted bool) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lamport++
	e := Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Lamport:  d.lamport,
		Instance: instance,
		Deleted:  deleted,
	}
	d.mergeEntryLocked(e)
	return Update{Entries: []Entry{e}}
}

// ApplyUpdate merges a decoded update into the document. Re-applying a
// previously applied update is a no-op.
func (d *Doc) ApplyUpdate(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range u.Entries {
		d.mergeEntryLocked(e)
	}
}

// Apply decodes raw update bytes and merges them into the document.
func (d *Doc) Apply(data []byte) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	d.ApplyUpdate(u)
	return nil
}

func (d *Doc) mergeEntryLocked(e Entry) {
	if e.Lamport > d.lamport {
		d.lamport = e.Lamport
	}
	current, ok := d.entries[e.Key]
	if ok && !e.wins(current) {
		return
	}
	d.entries[e.Key] = e
}

// State exports the full merged state as a single update blob. Applying the
// result to an empty document reproduces this document exactly.
func (d *Doc) State() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u := Update{Entries: make([]Entry, 0, len(d.entries))}
	for _, e := range d.entries {
		u.Entries = append(u.Entries, e)
	}
	return EncodeUpdate(u)
}

// Get returns the live (non-tombstoned) value of a key.
func (d *Doc) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Keys returns all live keys with the given prefix, in no particular order.
func (d *Doc) Keys(prefix string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var keys []string
	for k, e := range d.entries {
		if e.Deleted {
			continue
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of registers, tombstones included.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
