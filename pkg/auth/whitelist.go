// Package auth validates inbound envelopes against a CSV allow-list and
// manages each verified user's persisted chat log.
package auth

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	ferrors "github.com/williamsonf/fylgja/pkg/errors"
)

// reserved column names in the whitelist file; every other column is treated
// as a front-end source tag.
const (
	colUsername = "username"
	colLimit    = "limit"
	colSystem   = "system"
)

// User is one allow-list entry: a username, a token budget, optional
// identifying system text, and one platform ID per supported source.
type User struct {
	Username string
	Limit    int
	System   string
	IDs      map[string]string
}

// Whitelist is the authoritative record of permitted users, loaded once at
// startup and read-only afterwards.
type Whitelist struct {
	users   []User
	sources []string
}

// LoadWhitelist parses the allow-list CSV. The header row names the columns:
// username, limit, system, then one ID column per front-end source. Duplicate
// (source, ID) pairs are a configuration error, reported here rather than
// silently resolved at lookup time.
func LoadWhitelist(path string) (*Whitelist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeWhitelistRead, "opening whitelist").
			WithContext("path", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeWhitelistRead, "parsing whitelist").
			WithContext("path", path)
	}
	if len(records) == 0 {
		return nil, ferrors.New(ferrors.ErrCodeConfigInvalid, "whitelist has no header row").
			WithContext("path", path)
	}

	header := records[0]
	cols := make(map[string]int, len(header))
	var sources []string
	for i, name := range header {
		name = strings.TrimSpace(name)
		cols[name] = i
		if name != colUsername && name != colLimit && name != colSystem {
			sources = append(sources, name)
		}
	}
	for _, required := range []string{colUsername, colLimit} {
		if _, ok := cols[required]; !ok {
			return nil, ferrors.New(ferrors.ErrCodeConfigInvalid,
				fmt.Sprintf("whitelist is missing the %q column", required)).
				WithContext("path", path)
		}
	}

	seen := make(map[string]string) // "source:id" → username
	users := make([]User, 0, len(records)-1)
	for rowNum, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, ferrors.New(ferrors.ErrCodeConfigInvalid,
				fmt.Sprintf("whitelist row %d has %d fields, want %d", rowNum+2, len(rec), len(header))).
				WithContext("path", path)
		}

		user := User{
			Username: strings.TrimSpace(rec[cols[colUsername]]),
			IDs:      make(map[string]string),
		}
		if user.Username == "" {
			return nil, ferrors.New(ferrors.ErrCodeConfigInvalid,
				fmt.Sprintf("whitelist row %d has an empty username", rowNum+2)).
				WithContext("path", path)
		}

		limit, err := strconv.Atoi(strings.TrimSpace(rec[cols[colLimit]]))
		if err != nil || limit <= 0 {
			return nil, ferrors.New(ferrors.ErrCodeConfigInvalid,
				fmt.Sprintf("whitelist row %d has an invalid token limit %q", rowNum+2, rec[cols[colLimit]])).
				WithContext("path", path)
		}
		user.Limit = limit

		if idx, ok := cols[colSystem]; ok {
			user.System = rec[idx]
		}

		for _, source := range sources {
			id := strings.TrimSpace(rec[cols[source]])
			if id == "" {
				continue
			}
			key := source + ":" + id
			if other, dup := seen[key]; dup {
				return nil, ferrors.New(ferrors.ErrCodeWhitelistConflict,
					fmt.Sprintf("duplicate %s ID %q shared by %q and %q", source, id, other, user.Username)).
					WithContext("path", path)
			}
			seen[key] = user.Username
			user.IDs[source] = id
		}

		users = append(users, user)
	}

	return &Whitelist{users: users, sources: sources}, nil
}

// Lookup scans the allow-list for a user whose ID under the source column
// matches userID. IDs are compared as strings.
func (w *Whitelist) Lookup(source, userID string) (*User, bool) {
	for i := range w.users {
		if id, ok := w.users[i].IDs[source]; ok && id == userID {
			return &w.users[i], true
		}
	}
	return nil, false
}

// Sources lists the front-end source tags the whitelist knows about.
func (w *Whitelist) Sources() []string {
	return append([]string(nil), w.sources...)
}

// Len returns the number of allow-list entries.
func (w *Whitelist) Len() int {
	return len(w.users)
}
