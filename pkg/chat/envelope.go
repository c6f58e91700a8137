// Package chat defines the work item flowing through the relay pipeline and
// the token-budgeted context builder that prepares it for completion.
package chat

import (
	"github.com/google/uuid"

	"github.com/williamsonf/fylgja/pkg/history"
	"github.com/williamsonf/fylgja/pkg/model"
)

// Phase tracks whether an envelope still awaits a model answer or carries
// one ready for delivery.
type Phase int

const (
	PhasePrompt Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	if p == PhaseResponse {
		return "response"
	}
	return "prompt"
}

// Envelope bundles a user message with the metadata every pipeline stage
// needs. It is created unverified by a front-end, mutated in place by each
// stage, and discarded once the response has been delivered.
type Envelope struct {
	// ID correlates log events across stages.
	ID string

	// Source tags the originating front-end ("cmd", "discord", ...).
	Source string
	// UserID is opaque and unique within Source.
	UserID string

	// Prompt is the raw user-supplied text.
	Prompt string
	// Payload holds the model's reply once Phase is PhaseResponse.
	Payload model.Message

	Verified bool
	Phase    Phase

	// TokenBudget is set by the authenticator from the whitelist and only
	// ever decremented afterwards.
	TokenBudget int
	// UserSystemContext is optional per-user system text from the whitelist.
	UserSystemContext string
	// BuiltContext is the ordered request the completion provider consumes.
	BuiltContext []model.Message

	// RetryCount is the number of failed completion attempts so far.
	RetryCount int

	// Username, HistoryPath and HistorySnapshot are attached by the
	// authenticator when it resolves the user's chat log. The snapshot is
	// ordered most-recent-first.
	Username        string
	HistoryPath     string
	HistorySnapshot []history.Entry
}

// NewPrompt creates an unverified prompt-phase envelope.
func NewPrompt(source, userID, text string) *Envelope {
	return &Envelope{
		ID:     uuid.NewString(),
		Source: source,
		UserID: userID,
		Prompt: text,
	}
}

// MarkVerified flags the envelope authenticated and attaches the per-user
// identity the whitelist resolved.
func (e *Envelope) MarkVerified(username string, tokenBudget int, userSystemContext string) {
	e.Verified = true
	e.Username = username
	e.TokenBudget = tokenBudget
	e.UserSystemContext = userSystemContext
}

// MarkResponse transitions the envelope to the response phase with the given
// payload. The transition happens at most once and never reverses.
func (e *Envelope) MarkResponse(payload model.Message) {
	if e.Phase == PhaseResponse {
		return
	}
	e.Payload = payload
	e.Phase = PhaseResponse
}
