package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamsonf/fylgja/pkg/chat"
)

func TestPushPullFIFO(t *testing.T) {
	q := New(8)

	first := chat.NewPrompt("cmd", "1", "first")
	second := chat.NewPrompt("cmd", "1", "second")
	require.NoError(t, q.Push(first))
	require.NoError(t, q.Push(second))

	got, err := q.Pull(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got)

	got, err = q.Pull(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestPullBlocksUntilPush(t *testing.T) {
	q := New(1)

	done := make(chan *chat.Envelope, 1)
	go func() {
		env, err := q.Pull(context.Background())
		if err == nil {
			done <- env
		}
	}()

	select {
	case <-done:
		t.Fatal("pull returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	env := chat.NewPrompt("cmd", "1", "hello")
	require.NoError(t, q.Push(env))

	select {
	case got := <-done:
		assert.Same(t, env, got)
	case <-time.After(time.Second):
		t.Fatal("pull never observed the push")
	}
}

func TestPullHonorsContextCancellation(t *testing.T) {
	q := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pull(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPushToFullQueue(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Push(chat.NewPrompt("cmd", "1", "a")))
	assert.ErrorIs(t, q.Push(chat.NewPrompt("cmd", "1", "b")), ErrFull)
}

func TestCloseDrainsPendingItems(t *testing.T) {
	q := New(4)
	require.NoError(t, q.Push(chat.NewPrompt("cmd", "1", "pending")))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(chat.NewPrompt("cmd", "1", "late")), ErrClosed)

	env, err := q.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", env.Prompt)

	_, err = q.Pull(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, q.Close(), ErrClosed)
}

func TestPushRacingCloseNeverPanics(t *testing.T) {
	// Pushers hammering a queue while it closes must only ever see nil,
	// ErrFull, or ErrClosed; a send to the closed channel would panic and
	// fail the run.
	for round := 0; round < 50; round++ {
		q := New(2)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					err := q.Push(chat.NewPrompt("cmd", "1", "x"))
					if err != nil && err != ErrFull && err != ErrClosed {
						t.Error(err)
						return
					}
				}
			}()
		}

		require.NoError(t, q.Close())
		wg.Wait()
	}
}

func TestConcurrentPushersNoLossNoDuplication(t *testing.T) {
	const pushers = 8
	const perPusher = 50

	q := New(pushers * perPusher)

	var wg sync.WaitGroup
	for p := 0; p < pushers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPusher; i++ {
				if err := q.Push(chat.NewPrompt("cmd", "1", fmt.Sprintf("%d-%d", p, i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < pushers*perPusher; i++ {
		env, ok := q.TryPull()
		require.True(t, ok)
		require.False(t, seen[env.Prompt], "duplicate item %s", env.Prompt)
		seen[env.Prompt] = true
	}
	_, ok := q.TryPull()
	assert.False(t, ok)
}
