// Package history persists per-user chat logs as headerless CSV files,
// one file per username, rows of (timestamp, role, content).
package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	ferrors "github.com/williamsonf/fylgja/pkg/errors"
)

// Entry is a single persisted chat turn.
type Entry struct {
	Timestamp time.Time
	Role      string
	Content   string
}

// Store reads and appends per-user chat log files under a single directory.
// Files are append-only; Append never rewrites existing rows.
type Store struct {
	dir string
}

// NewStore creates the chat log directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, ferrors.New(ferrors.ErrCodeConfigInvalid, "chat log directory not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeConfigInvalid, "creating chat log directory")
	}
	return &Store{dir: dir}, nil
}

// Path returns the log file path for a username. Pure derivation.
func (s *Store) Path(username string) string {
	return filepath.Join(s.dir, username+".csv")
}

// Ensure creates an empty log file for the user if one does not exist.
// Returns true if the file was created.
func (s *Store) Ensure(username string) (bool, error) {
	path := s.Path(username)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, ferrors.Wrap(err, ferrors.ErrCodeHistoryWrite, "creating chat log").
			WithContext("path", path)
	}
	f.Close()
	return true, nil
}

// Load reads the user's full log and returns a snapshot ordered by timestamp
// descending (most recent first). A file that cannot be parsed is reported as
// HISTORY_CORRUPT; the caller drops the item rather than crashing.
func (s *Store) Load(username string) ([]Entry, error) {
	path := s.Path(username)
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeHistoryRead, "opening chat log").
			WithContext("path", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 3

	records, err := reader.ReadAll()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeHistoryCorrupt, "parsing chat log").
			WithContext("path", path)
	}

	entries := make([]Entry, 0, len(records))
	for i, rec := range records {
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrCodeHistoryCorrupt,
				fmt.Sprintf("bad timestamp on row %d", i+1)).
				WithContext("path", path)
		}
		entries = append(entries, Entry{Timestamp: ts, Role: rec[1], Content: rec[2]})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	return entries, nil
}

// Append writes one (now, role, content) row to the user's log, creating the
// file if absent. Rows already present are preserved. Append is deliberately
// not idempotent: two identical calls produce two rows.
func (s *Store) Append(username, role, content string) (Entry, error) {
	entry := Entry{Timestamp: time.Now(), Role: role, Content: content}

	path := s.Path(username)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Entry{}, ferrors.Wrap(err, ferrors.ErrCodeHistoryWrite, "opening chat log for append").
			WithContext("path", path)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write([]string{
		entry.Timestamp.Format(time.RFC3339Nano),
		entry.Role,
		entry.Content,
	}); err != nil {
		return Entry{}, ferrors.Wrap(err, ferrors.ErrCodeHistoryWrite, "writing chat log row").
			WithContext("path", path)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return Entry{}, ferrors.Wrap(err, ferrors.ErrCodeHistoryWrite, "flushing chat log row").
			WithContext("path", path)
	}

	return entry, nil
}
