// Package completion turns a built context into a model reply, with bounded
// retry and a guaranteed terminal response for every prompt.
package completion

import (
	"context"

	"github.com/williamsonf/fylgja/pkg/chat"
	"github.com/williamsonf/fylgja/pkg/logging"
	"github.com/williamsonf/fylgja/pkg/model"
)

// RetryLimit is the ceiling on failed completion attempts for one envelope.
const RetryLimit = 3

// ExhaustedReply is delivered verbatim once retries are spent. It is the only
// failure the end user ever sees.
const ExhaustedReply = "I'm sorry, but I wasn't able to reach my language model. Please try again in a little while."

// Service calls the completion provider for prompt-phase envelopes.
type Service struct {
	provider   model.Provider
	modelID    string
	retryLimit int
	logger     *logging.Logger
}

// NewService creates a completion service. retryLimit <= 0 selects the
// default ceiling.
func NewService(provider model.Provider, modelID string, retryLimit int, logger *logging.Logger) *Service {
	if retryLimit <= 0 {
		retryLimit = RetryLimit
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{
		provider:   provider,
		modelID:    modelID,
		retryLimit: retryLimit,
		logger:     logger,
	}
}

// Complete mutates the envelope in place. On success the model's top choice
// becomes the payload and the envelope moves to the response phase. A
// transient failure clears the built context and bumps the retry counter so
// the dispatcher recycles the envelope through a full rebuild. Once the
// ceiling is reached, or on a permanent provider error, the sentinel reply
// is delivered instead; no envelope loops forever.
func (s *Service) Complete(ctx context.Context, env *chat.Envelope) {
	if !env.Verified {
		// The dispatcher never routes unverified envelopes here. If one
		// arrives anyway, refuse to spend provider budget on it.
		s.logger.Error(logging.CategoryCompletion, "containment_breach",
			"unverified envelope reached the completion provider", map[string]any{
				"envelope": env.ID,
				"source":   env.Source,
				"user_id":  env.UserID,
			})
		return
	}

	if env.RetryCount >= s.retryLimit {
		s.exhaust(env)
		return
	}

	resp, err := s.provider.ChatCompletion(ctx, model.ChatRequest{
		Model:    s.modelID,
		Messages: env.BuiltContext,
	})
	if err != nil {
		s.handleFailure(env, err)
		return
	}

	env.MarkResponse(resp.Choices[0].Message)
	s.logger.Info(logging.CategoryCompletion, "completed", "model reply received", map[string]any{
		"envelope": env.ID,
		"username": env.Username,
		"model":    s.modelID,
	})
}

func (s *Service) handleFailure(env *chat.Envelope, err error) {
	retryable := true
	if apiErr, ok := err.(*model.APIError); ok {
		retryable = apiErr.Retryable
	}

	if !retryable {
		s.logger.Error(logging.CategoryCompletion, "permanent_failure",
			"provider rejected the request", map[string]any{
				"envelope": env.ID,
				"username": env.Username,
				"error":    err.Error(),
			})
		s.exhaust(env)
		return
	}

	env.BuiltContext = nil
	env.RetryCount++
	s.logger.Warn(logging.CategoryCompletion, "transient_failure",
		"completion attempt failed, will rebuild and retry", map[string]any{
			"envelope": env.ID,
			"username": env.Username,
			"attempt":  env.RetryCount,
			"error":    err.Error(),
		})

	if env.RetryCount >= s.retryLimit {
		s.exhaust(env)
	}
}

func (s *Service) exhaust(env *chat.Envelope) {
	env.MarkResponse(model.Message{Role: model.RoleAssistant, Content: ExhaustedReply})
	s.logger.Error(logging.CategoryCompletion, "exhausted",
		"delivering sentinel reply", map[string]any{
			"envelope": env.ID,
			"username": env.Username,
			"retries":  env.RetryCount,
		})
}
