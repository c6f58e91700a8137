// Package frontend defines the adapter surface between chat platforms and
// the relay pipeline, plus the concrete command-line and Discord adapters.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/williamsonf/fylgja/pkg/chat"
)

// ErrShutdownRequested is returned from Start when a front-end asks the
// whole process to stop (the CLI's "exit" command).
var ErrShutdownRequested = errors.New("shutdown requested by frontend")

// Frontend is a channel through which users submit prompts and receive
// responses. Adapters push inbound envelopes onto the shared queue
// themselves; the dispatcher only ever calls PostMsg.
type Frontend interface {
	// Source returns the tag stamped on every envelope this adapter creates.
	Source() string

	// Start connects and listens until the context is cancelled. A failure
	// to connect is returned as an error.
	Start(ctx context.Context) error

	// ReceiveMsg wraps raw platform input into an unverified prompt
	// envelope tagged with this adapter's source and the given platform
	// user ID, and pushes it onto the shared queue. Returns false when the
	// input is empty or the queue refuses it.
	ReceiveMsg(userID, raw string) bool

	// PostMsg delivers a response-phase envelope's payload to the user it
	// identifies, splitting content that exceeds the platform's message
	// size limit. Returns false on delivery failure; delivery is not
	// retried.
	PostMsg(env *chat.Envelope) bool
}

// Registry maps source tags to their adapters. New front-ends register here;
// the dispatch loop never changes.
type Registry struct {
	mu        sync.RWMutex
	frontends map[string]Frontend
}

func NewRegistry() *Registry {
	return &Registry{frontends: make(map[string]Frontend)}
}

// Register adds an adapter. Duplicate source tags are a wiring bug.
func (r *Registry) Register(f Frontend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.frontends[f.Source()]; exists {
		return fmt.Errorf("frontend %q already registered", f.Source())
	}
	r.frontends[f.Source()] = f
	return nil
}

// Get returns the adapter for a source tag.
func (r *Registry) Get(source string) (Frontend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.frontends[source]
	return f, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Frontend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Frontend, 0, len(r.frontends))
	for _, f := range r.frontends {
		out = append(out, f)
	}
	return out
}
