package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ActivityEntry is one line of an instance's activity log: a hint that the
// instance wrote to a document around the given time. The log is a cheap
// change-notification signal for other instances, never ground truth;
// missing or stale entries only cost efficiency (the periodic full scan
// still finds everything).
type ActivityEntry struct {
	Doc string    `json:"doc"`
	At  time.Time `json:"at"`
}

// ActivityRecord is an ActivityEntry tagged with the instance that wrote it.
type ActivityRecord struct {
	Instance string
	Doc      string
	At       time.Time
}

const activityLogExt = ".log"

func (s *Store) activityDir() string {
	return filepath.Join(s.root, "activity")
}

// ActivityLogPath returns this instance's activity log file.
func (s *Store) ActivityLogPath() string {
	return filepath.Join(s.activityDir(), s.instance+activityLogExt)
}

// appendActivity appends a {doc, timestamp} line to this instance's log.
// Only the owning instance ever appends to its file, so concurrent
// instances never write the same file.
func (s *Store) appendActivity(docID string) error {
	if err := os.MkdirAll(s.activityDir(), 0755); err != nil {
		return fmt.Errorf("failed to create activity directory: %w", err)
	}

	entry := ActivityEntry{Doc: docID, At: time.Now().UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal activity entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.ActivityLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append activity entry: %w", err)
	}
	return nil
}

// ActivitySince reads every instance's activity log and returns entries at
// or after since, oldest first. Entries written by this instance are
// excluded (local writes are already applied). Unparsable lines are skipped:
// a cloud-sync service may surface a partially propagated final line, and a
// hint stream tolerates holes.
func (s *Store) ActivitySince(since time.Time) ([]ActivityRecord, error) {
	entries, err := os.ReadDir(s.activityDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read activity directory: %w", err)
	}

	var records []ActivityRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), activityLogExt) {
			continue
		}
		instance := strings.TrimSuffix(entry.Name(), activityLogExt)
		if instance == s.instance {
			continue
		}

		recs, err := readActivityLog(filepath.Join(s.activityDir(), entry.Name()), instance, since)
		if err != nil {
			s.logger.Printf("Warning: failed to read activity log %s: %v", entry.Name(), err)
			continue
		}
		records = append(records, recs...)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].At.Before(records[j].At) })
	return records, nil
}

func readActivityLog(path, instance string, since time.Time) ([]ActivityRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []ActivityRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e ActivityEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.At.Before(since) {
			continue
		}
		records = append(records, ActivityRecord{Instance: instance, Doc: e.Doc, At: e.At})
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	return records, nil
}
