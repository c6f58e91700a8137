package auth

import (
	"github.com/williamsonf/fylgja/pkg/chat"
	ferrors "github.com/williamsonf/fylgja/pkg/errors"
	"github.com/williamsonf/fylgja/pkg/history"
	"github.com/williamsonf/fylgja/pkg/logging"
)

// Authenticator validates envelopes against the whitelist and owns all
// access to the per-user chat logs. The whitelist is the only place
// usernames are known, so identity resolution and history I/O meet here;
// the file format itself lives behind history.Store.
type Authenticator struct {
	list   *Whitelist
	store  *history.Store
	logger *logging.Logger
}

// NewAuthenticator wires the whitelist to the history store.
func NewAuthenticator(list *Whitelist, store *history.Store, logger *logging.Logger) *Authenticator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Authenticator{list: list, store: store, logger: logger}
}

// Validate looks the envelope's (source, userID) pair up in the whitelist.
// On a match the envelope is flagged verified and gets the user's token
// budget and optional system context; on a miss the envelope is left
// untouched and the caller must drop it.
func (a *Authenticator) Validate(env *chat.Envelope) bool {
	user, ok := a.list.Lookup(env.Source, env.UserID)
	if !ok {
		a.logger.Warn(logging.CategoryAuth, "denied", "no whitelist match", map[string]any{
			"envelope": env.ID,
			"source":   env.Source,
			"user_id":  env.UserID,
		})
		return false
	}

	env.MarkVerified(user.Username, user.Limit, user.System)
	a.logger.Info(logging.CategoryAuth, "validated", "envelope verified", map[string]any{
		"envelope": env.ID,
		"source":   env.Source,
		"username": user.Username,
	})
	return true
}

// EnsureHistory resolves and, if needed, creates the user's chat log, then
// attaches a most-recent-first snapshot to the envelope. A log that exists
// but cannot be parsed is a fatal condition for this envelope only.
func (a *Authenticator) EnsureHistory(env *chat.Envelope) error {
	if !env.Verified || env.Username == "" {
		return ferrors.New(ferrors.ErrCodeAuthDenied, "envelope has no resolved username")
	}

	created, err := a.store.Ensure(env.Username)
	if err != nil {
		return err
	}
	if created {
		a.logger.Info(logging.CategoryHistory, "created", "new chat log", map[string]any{
			"username": env.Username,
			"path":     a.store.Path(env.Username),
		})
	}

	snapshot, err := a.store.Load(env.Username)
	if err != nil {
		return err
	}

	env.HistoryPath = a.store.Path(env.Username)
	env.HistorySnapshot = snapshot
	return nil
}

// Append writes one (now, role, content) row to the envelope's chat log and
// keeps the attached snapshot in sync by prepending the new entry, so a
// just-persisted prompt is always the newest row the context builder sees.
func (a *Authenticator) Append(env *chat.Envelope, role, content string) error {
	if env.Username == "" {
		return ferrors.New(ferrors.ErrCodeAuthDenied, "envelope has no resolved username")
	}

	entry, err := a.store.Append(env.Username, role, content)
	if err != nil {
		return err
	}

	if env.HistorySnapshot != nil || env.HistoryPath != "" {
		env.HistorySnapshot = append([]history.Entry{entry}, env.HistorySnapshot...)
	}
	return nil
}

// LogPath derives the envelope's chat log path. Pure beyond the whitelist
// read needed to map the platform ID to a username.
func (a *Authenticator) LogPath(env *chat.Envelope) (string, error) {
	username := env.Username
	if username == "" {
		user, ok := a.list.Lookup(env.Source, env.UserID)
		if !ok {
			return "", ferrors.New(ferrors.ErrCodeAuthDenied, "no whitelist match").
				WithContext("source", env.Source).
				WithContext("user_id", env.UserID)
		}
		username = user.Username
	}
	return a.store.Path(username), nil
}
