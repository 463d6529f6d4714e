// Package note defines the plain (non-CRDT) value objects exchanged with the
// editor and metadata cache layers, and the mapping between those objects and
// CRDT document registers.
package note

import (
	"time"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
)

// FolderTreeDocID is the reserved document ID for a storage directory's
// folder-tree document. Note documents use the note's UUID.
const FolderTreeDocID = "foldertree"

// Register keys for note documents.
const (
	keyTitle    = "title"
	keyBody     = "body"
	keyCreated  = "meta.created"
	keyModified = "meta.modified"
)

// Note is the plain projection of a note document: what the editor seeds and
// what the metadata cache indexes.
type Note struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	FolderID string    `json:"folder_id,omitempty"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// FromDoc projects the merged CRDT state into a plain note.
func FromDoc(id string, doc *crdt.Doc) *Note {
	n := &Note{ID: id}
	if v, ok := doc.Get(keyTitle); ok {
		n.Title = string(v)
	}
	if v, ok := doc.Get(keyBody); ok {
		n.Body = string(v)
	}
	n.Created = timeFromDoc(doc, keyCreated)
	n.Modified = timeFromDoc(doc, keyModified)
	return n
}

// Seed writes every field of a plain note into an empty document and returns
// the resulting update. Callers must check doc emptiness first; seeding a
// document that already has history would clobber nothing (LWW still
// applies) but would inject a spurious rewrite of every field.
func Seed(doc *crdt.Doc, instance string, n *Note) crdt.Update {
	created := n.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	modified := n.Modified
	if modified.IsZero() {
		modified = created
	}

	var u crdt.Update
	u = appendUpdate(u, doc.Set(instance, keyTitle, []byte(n.Title)))
	u = appendUpdate(u, doc.Set(instance, keyBody, []byte(n.Body)))
	u = appendUpdate(u, doc.Set(instance, keyCreated, []byte(created.Format(time.RFC3339Nano))))
	u = appendUpdate(u, doc.Set(instance, keyModified, []byte(modified.Format(time.RFC3339Nano))))
	return u
}

// MergeExternal folds a plain, non-sync-aware note representation into the
// document: fields that differ from the current projection are rewritten as
// fresh local writes. Returns the update, which has no entries when the
// document already matches the external note.
func MergeExternal(doc *crdt.Doc, instance string, external *Note) crdt.Update {
	current := FromDoc(external.ID, doc)

	var u crdt.Update
	changed := false
	if external.Title != current.Title {
		u = appendUpdate(u, doc.Set(instance, keyTitle, []byte(external.Title)))
		changed = true
	}
	if external.Body != current.Body {
		u = appendUpdate(u, doc.Set(instance, keyBody, []byte(external.Body)))
		changed = true
	}
	if current.Created.IsZero() {
		created := external.Created
		if created.IsZero() {
			created = time.Now().UTC()
		}
		u = appendUpdate(u, doc.Set(instance, keyCreated, []byte(created.Format(time.RFC3339Nano))))
		changed = true
	}
	if changed {
		u = appendUpdate(u, doc.Set(instance, keyModified, []byte(time.Now().UTC().Format(time.RFC3339Nano))))
	}
	return u
}

func appendUpdate(dst, src crdt.Update) crdt.Update {
	dst.Entries = append(dst.Entries, src.Entries...)
	return dst
}

func timeFromDoc(doc *crdt.Doc, key string) time.Time {
	v, ok := doc.Get(key)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}
	}
	return t
}
