// Package cache provides the local SQLite metadata cache for notecove.
//
// The cache is strictly derived state: it holds plain projections of notes
// and the folder tree for listing and search, plus per-document sync state
// records that make cold starts cheap. Losing the cache file loses nothing;
// it is rebuilt from the shared update log.
//
// The database runs embedded with WAL mode so the UI can read while the
// sync daemon writes. It lives in the per-device data directory, never in
// the cloud-synced storage directory.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/drewcsillag/notecove-sub010/internal/docs"
	"github.com/drewcsillag/notecove-sub010/internal/note"
	"github.com/drewcsillag/notecove-sub010/internal/vclock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Cache wraps the SQLite connection. It implements docs.SyncStateCache and
// docs.ProjectionSink.
type Cache struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

var (
	_ docs.SyncStateCache = (*Cache)(nil)
	_ docs.ProjectionSink = (*Cache)(nil)
)

// Open creates a cache connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads
// and created along with its parent directory if missing. The caller MUST
// call Close() when done.
func Open(path string, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{conn: conn, path: path, logger: logger}

	// WAL so UI reads do not block daemon writes.
	if _, err := c.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := c.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := c.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return c, nil
}

// RawDB returns the underlying sql.DB connection.
func (c *Cache) RawDB() *sql.DB {
	return c.conn
}

// Close checkpoints the WAL and closes the connection.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		c.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	c.conn = nil
	return nil
}

// InitSchema creates the cache schema if it doesn't exist. Idempotent.
func (c *Cache) InitSchema() error {
	return c.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the cache schema with context support.
func (c *Cache) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_state (
		doc_id TEXT PRIMARY KEY,
		sd_id TEXT NOT NULL,
		clock TEXT NOT NULL,  -- JSON object: instance id -> sequence
		state BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		folder_id TEXT,
		created_at TEXT,
		modified_at TEXT
	);

	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id TEXT,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_notes_modified ON notes(modified_at);
	CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes(folder_id);
	CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);
	`

	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// GetSyncState returns the cached sync record for a document, nil when the
// document has never been checkpointed.
func (c *Cache) GetSyncState(ctx context.Context, docID string) (*docs.SyncState, error) {
	query := `SELECT sd_id, clock, state, updated_at FROM sync_state WHERE doc_id = ?`

	var (
		sdID      string
		clockJSON string
		state     []byte
		updatedAt string
	)
	err := c.conn.QueryRowContext(ctx, query, docID).Scan(&sdID, &clockJSON, &state, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state for %s: %w", docID, err)
	}

	clock := make(vclock.VectorClock)
	if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
		return nil, fmt.Errorf("failed to decode sync state clock for %s: %w", docID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sync state timestamp for %s: %w", docID, err)
	}

	return &docs.SyncState{
		DocID:     docID,
		SDID:      sdID,
		Clock:     clock,
		State:     state,
		UpdatedAt: ts,
	}, nil
}

// PutSyncState inserts or replaces the sync record for a document.
func (c *Cache) PutSyncState(ctx context.Context, s *docs.SyncState) error {
	clockJSON, err := json.Marshal(s.Clock)
	if err != nil {
		return fmt.Errorf("failed to encode sync state clock: %w", err)
	}

	query := `
	INSERT INTO sync_state (doc_id, sd_id, clock, state, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(doc_id) DO UPDATE SET
		sd_id = excluded.sd_id,
		clock = excluded.clock,
		state = excluded.state,
		updated_at = excluded.updated_at
	`

	_, err = c.conn.ExecContext(ctx, query,
		s.DocID,
		s.SDID,
		string(clockJSON),
		s.State,
		s.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write sync state for %s: %w", s.DocID, err)
	}
	return nil
}

// DeleteSyncState removes a document's sync record. Idempotent.
func (c *Cache) DeleteSyncState(ctx context.Context, docID string) error {
	if _, err := c.conn.ExecContext(ctx, `DELETE FROM sync_state WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to delete sync state for %s: %w", docID, err)
	}
	return nil
}

// NoteChanged reindexes a note projection. Errors are logged, not returned:
// the cache is derived state and a failed write will be retried on the next
// change or rebuilt from the log.
func (c *Cache) NoteChanged(docID string, n *note.Note) {
	if err := c.UpsertNote(context.Background(), docID, n); err != nil {
		c.logger.Printf("Warning: failed to index note %s: %v", docID, err)
	}
}

// UpsertNote inserts or updates a note projection. Folder placement is
// owned by the folder-tree doc, not the note doc, so the update set keeps
// the existing folder_id unless the incoming projection carries one.
func (c *Cache) UpsertNote(ctx context.Context, docID string, n *note.Note) error {
	query := `
	INSERT INTO notes (id, title, body, folder_id, created_at, modified_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		body = excluded.body,
		folder_id = COALESCE(NULLIF(excluded.folder_id, ''), notes.folder_id),
		created_at = excluded.created_at,
		modified_at = excluded.modified_at
	`

	_, err := c.conn.ExecContext(ctx, query,
		docID,
		n.Title,
		n.Body,
		n.FolderID,
		timeToNullString(n.Created),
		timeToNullString(n.Modified),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert note %s: %w", docID, err)
	}
	return nil
}

// FolderTreeChanged replaces the folder projection. Errors are logged.
func (c *Cache) FolderTreeChanged(tree *note.FolderTree) {
	if err := c.ReplaceFolderTree(context.Background(), tree); err != nil {
		c.logger.Printf("Warning: failed to index folder tree: %v", err)
	}
}

// ReplaceFolderTree replaces the folders table and note placements with the
// given projection, in one transaction.
func (c *Cache) ReplaceFolderTree(ctx context.Context, tree *note.FolderTree) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM folders`); err != nil {
		return fmt.Errorf("failed to clear folders: %w", err)
	}

	insert := `INSERT INTO folders (id, name, parent_id, deleted) VALUES (?, ?, ?, ?)`
	for _, f := range tree.Folders {
		deleted := 0
		if f.Deleted {
			deleted = 1
		}
		if _, err := tx.ExecContext(ctx, insert, f.ID, f.Name, f.ParentID, deleted); err != nil {
			return fmt.Errorf("failed to insert folder %s: %w", f.ID, err)
		}
	}

	place := `UPDATE notes SET folder_id = ? WHERE id = ?`
	for noteID, folderID := range tree.Placement {
		if _, err := tx.ExecContext(ctx, place, folderID, noteID); err != nil {
			return fmt.Errorf("failed to place note %s: %w", noteID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetNote returns the cached projection of one note, nil when not indexed.
func (c *Cache) GetNote(docID string) (*note.Note, error) {
	return c.GetNoteContext(context.Background(), docID)
}

// GetNoteContext returns the cached projection with context support.
func (c *Cache) GetNoteContext(ctx context.Context, docID string) (*note.Note, error) {
	query := `SELECT title, body, folder_id, created_at, modified_at FROM notes WHERE id = ?`

	n := &note.Note{ID: docID}
	var folderID, createdAt, modifiedAt sql.NullString
	err := c.conn.QueryRowContext(ctx, query, docID).Scan(&n.Title, &n.Body, &folderID, &createdAt, &modifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read note %s: %w", docID, err)
	}
	n.FolderID = folderID.String
	n.Created = timeFromNullString(createdAt)
	n.Modified = timeFromNullString(modifiedAt)
	return n, nil
}

// ListNotes returns all cached notes ordered by modification time,
// newest first.
func (c *Cache) ListNotes() ([]*note.Note, error) {
	return c.ListNotesContext(context.Background())
}

// ListNotesContext returns all cached notes with context support.
func (c *Cache) ListNotesContext(ctx context.Context) ([]*note.Note, error) {
	query := `
	SELECT id, title, body, folder_id, created_at, modified_at
	FROM notes
	ORDER BY modified_at DESC, id ASC
	`
	return c.queryNotes(ctx, query)
}

// SearchNotes returns cached notes whose title or body contains the term,
// ordered by modification time, newest first.
func (c *Cache) SearchNotes(term string) ([]*note.Note, error) {
	return c.SearchNotesContext(context.Background(), term)
}

// SearchNotesContext searches cached notes with context support.
func (c *Cache) SearchNotesContext(ctx context.Context, term string) ([]*note.Note, error) {
	query := `
	SELECT id, title, body, folder_id, created_at, modified_at
	FROM notes
	WHERE title LIKE '%' || ? || '%' OR body LIKE '%' || ? || '%'
	ORDER BY modified_at DESC, id ASC
	`
	return c.queryNotes(ctx, query, term, term)
}

// ListFolders returns all cached folders, tombstones included, ordered
// by ID.
func (c *Cache) ListFolders() ([]note.Folder, error) {
	return c.ListFoldersContext(context.Background())
}

// ListFoldersContext returns cached folders with context support.
func (c *Cache) ListFoldersContext(ctx context.Context) ([]note.Folder, error) {
	query := `SELECT id, name, parent_id, deleted FROM folders ORDER BY id ASC`

	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []note.Folder
	for rows.Next() {
		var f note.Folder
		var parent sql.NullString
		var deleted int
		if err := rows.Scan(&f.ID, &f.Name, &parent, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		f.ParentID = parent.String
		f.Deleted = deleted != 0
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate folders: %w", err)
	}
	return folders, nil
}

// GetNoteCount returns the number of indexed notes.
func (c *Cache) GetNoteCount() (int, error) {
	return c.GetNoteCountContext(context.Background())
}

// GetNoteCountContext returns the number of indexed notes with context
// support.
func (c *Cache) GetNoteCountContext(ctx context.Context) (int, error) {
	var count int
	if err := c.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM notes").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count notes: %w", err)
	}
	return count, nil
}

func (c *Cache) queryNotes(ctx context.Context, query string, args ...any) ([]*note.Note, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []*note.Note
	for rows.Next() {
		n := &note.Note{}
		var folderID, createdAt, modifiedAt sql.NullString
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &folderID, &createdAt, &modifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		n.FolderID = folderID.String
		n.Created = timeFromNullString(createdAt)
		n.Modified = timeFromNullString(modifiedAt)
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notes: %w", err)
	}
	return notes, nil
}

func timeToNullString(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timeFromNullString(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
