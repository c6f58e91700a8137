package auth

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamsonf/fylgja/pkg/chat"
	ferrors "github.com/williamsonf/fylgja/pkg/errors"
	"github.com/williamsonf/fylgja/pkg/history"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *history.Store) {
	t.Helper()

	path := writeWhitelist(t, "username,limit,system,cmd,discord\n"+
		"fred,100,You are Fred's assistant.,1,111222333\n"+
		"wilma,2000,,2,\n")
	list, err := LoadWhitelist(path)
	require.NoError(t, err)

	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)

	return NewAuthenticator(list, store, nil), store
}

func TestValidateSuccess(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "1", "hello")
	require.True(t, auth.Validate(env))

	assert.True(t, env.Verified)
	assert.Equal(t, "fred", env.Username)
	assert.Equal(t, 100, env.TokenBudget)
	assert.Equal(t, "You are Fred's assistant.", env.UserSystemContext)
}

func TestValidateFailureLeavesEnvelopeUntouched(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "99", "hello")
	require.False(t, auth.Validate(env))

	assert.False(t, env.Verified)
	assert.Empty(t, env.Username)
	assert.Zero(t, env.TokenBudget)
}

func TestEnsureHistoryCreatesAndLoads(t *testing.T) {
	auth, store := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "1", "hello")
	require.True(t, auth.Validate(env))
	require.NoError(t, auth.EnsureHistory(env))

	assert.Equal(t, store.Path("fred"), env.HistoryPath)
	assert.Empty(t, env.HistorySnapshot)

	_, err := os.Stat(env.HistoryPath)
	assert.NoError(t, err, "EnsureHistory must create the log file")
}

func TestEnsureHistoryLoadsDescendingSnapshot(t *testing.T) {
	auth, store := newTestAuthenticator(t)

	_, err := store.Append("fred", "user", "first")
	require.NoError(t, err)
	_, err = store.Append("fred", "assistant", "second")
	require.NoError(t, err)

	env := chat.NewPrompt("cmd", "1", "third")
	require.True(t, auth.Validate(env))
	require.NoError(t, auth.EnsureHistory(env))

	require.Len(t, env.HistorySnapshot, 2)
	assert.Equal(t, "second", env.HistorySnapshot[0].Content)
	assert.Equal(t, "first", env.HistorySnapshot[1].Content)
}

func TestEnsureHistoryRejectsUnverified(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "1", "hello")
	err := auth.EnsureHistory(env)
	require.Error(t, err)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeAuthDenied))
}

func TestEnsureHistoryCorruptLogIsError(t *testing.T) {
	auth, store := newTestAuthenticator(t)

	require.NoError(t, os.WriteFile(store.Path("fred"), []byte("garbage,row\n"), 0644))

	env := chat.NewPrompt("cmd", "1", "hello")
	require.True(t, auth.Validate(env))

	err := auth.EnsureHistory(env)
	require.Error(t, err)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeHistoryCorrupt))
}

func TestAppendUpdatesSnapshotInPlace(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "1", "hello")
	require.True(t, auth.Validate(env))
	require.NoError(t, auth.EnsureHistory(env))

	require.NoError(t, auth.Append(env, "user", "hello"))

	require.Len(t, env.HistorySnapshot, 1)
	assert.Equal(t, "hello", env.HistorySnapshot[0].Content)
	assert.Equal(t, "user", env.HistorySnapshot[0].Role)
}

func TestAppendPersistsAcrossReload(t *testing.T) {
	auth, store := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "1", "hello")
	require.True(t, auth.Validate(env))
	require.NoError(t, auth.EnsureHistory(env))
	require.NoError(t, auth.Append(env, "user", "hello"))
	require.NoError(t, auth.Append(env, "assistant", "hi fred"))

	entries, err := store.Load("fred")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hi fred", entries[0].Content)
}

func TestLogPath(t *testing.T) {
	auth, store := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "1", "hello")
	path, err := auth.LogPath(env)
	require.NoError(t, err)
	assert.Equal(t, store.Path("fred"), path)

	// No side effects: the log file must not have been created.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLogPathUnknownUser(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	env := chat.NewPrompt("cmd", "99", "hello")
	_, err := auth.LogPath(env)
	require.Error(t, err)
	assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeAuthDenied))
}
