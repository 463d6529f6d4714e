package note

import (
	"fmt"
	"sort"
	"strings"

	"github.com/drewcsillag/notecove-sub010/internal/crdt"
)

// Register key layout for the folder-tree document:
//
//	folder/<folderID>/name
//	folder/<folderID>/parent
//	folder/<folderID>/deleted
//	note/<noteID>/folder
const (
	folderPrefix = "folder/"
	notePrefix   = "note/"
)

// Folder is one node of the plain folder-tree projection.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// FolderTree is the plain projection of a storage directory's folder-tree
// document: the folders plus the note-to-folder placement map.
type FolderTree struct {
	Folders   []Folder          `json:"folders"`
	Placement map[string]string `json:"placement"`
}

// TreeFromDoc projects the merged folder-tree document into its plain form.
// Folders are ordered by ID for determinism.
func TreeFromDoc(doc *crdt.Doc) *FolderTree {
	tree := &FolderTree{Placement: make(map[string]string)}

	ids := make(map[string]bool)
	for _, key := range doc.Keys(folderPrefix) {
		rest := strings.TrimPrefix(key, folderPrefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		ids[id] = true
	}

	for id := range ids {
		f := Folder{ID: id}
		if v, ok := doc.Get(folderKey(id, "name")); ok {
			f.Name = string(v)
		}
		if v, ok := doc.Get(folderKey(id, "parent")); ok {
			f.ParentID = string(v)
		}
		if v, ok := doc.Get(folderKey(id, "deleted")); ok {
			f.Deleted = string(v) == "true"
		}
		tree.Folders = append(tree.Folders, f)
	}
	sort.Slice(tree.Folders, func(i, j int) bool { return tree.Folders[i].ID < tree.Folders[j].ID })

	for _, key := range doc.Keys(notePrefix) {
		rest := strings.TrimPrefix(key, notePrefix)
		noteID, field, ok := strings.Cut(rest, "/")
		if !ok || field != "folder" || noteID == "" {
			continue
		}
		if v, ok := doc.Get(key); ok {
			tree.Placement[noteID] = string(v)
		}
	}

	return tree
}

// SetFolder writes one folder's fields into the tree document.
func SetFolder(doc *crdt.Doc, instance string, f Folder) crdt.Update {
	var u crdt.Update
	u = appendUpdate(u, doc.Set(instance, folderKey(f.ID, "name"), []byte(f.Name)))
	u = appendUpdate(u, doc.Set(instance, folderKey(f.ID, "parent"), []byte(f.ParentID)))
	deleted := "false"
	if f.Deleted {
		deleted = "true"
	}
	u = appendUpdate(u, doc.Set(instance, folderKey(f.ID, "deleted"), []byte(deleted)))
	return u
}

// PlaceNote records which folder a note lives in.
func PlaceNote(doc *crdt.Doc, instance, noteID, folderID string) crdt.Update {
	return doc.Set(instance, notePrefix+noteID+"/folder", []byte(folderID))
}

func folderKey(id, field string) string {
	return fmt.Sprintf("%s%s/%s", folderPrefix, id, field)
}
