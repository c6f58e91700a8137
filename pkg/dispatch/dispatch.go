// Package dispatch runs the pipeline loop, routing each envelope through
// authentication, context building, completion, and delivery based on its
// (verified, phase) state.
package dispatch

import (
	"context"
	"errors"

	"github.com/williamsonf/fylgja/pkg/chat"
	"github.com/williamsonf/fylgja/pkg/completion"
	"github.com/williamsonf/fylgja/pkg/frontend"
	"github.com/williamsonf/fylgja/pkg/logging"
	"github.com/williamsonf/fylgja/pkg/model"
	"github.com/williamsonf/fylgja/pkg/queue"
	"github.com/williamsonf/fylgja/pkg/telemetry"
)

// Authenticator is the identity and chat-log surface the dispatcher needs.
type Authenticator interface {
	Validate(env *chat.Envelope) bool
	EnsureHistory(env *chat.Envelope) error
	Append(env *chat.Envelope, role, content string) error
}

// Builder assembles the completion context for a verified envelope.
type Builder interface {
	Build(env *chat.Envelope)
}

// Completer produces a model reply, or eventually the sentinel, in place.
type Completer interface {
	Complete(ctx context.Context, env *chat.Envelope)
}

// Dispatcher is the single consumer of the shared queue. Stage failures only
// ever drop the envelope they belong to; the loop itself runs until the
// context is cancelled or the queue closes.
type Dispatcher struct {
	queue     *queue.Queue
	auth      Authenticator
	builder   Builder
	completer Completer
	frontends *frontend.Registry
	logger    *logging.Logger
}

// New wires a dispatcher over the shared queue.
func New(q *queue.Queue, auth Authenticator, builder Builder, completer Completer, frontends *frontend.Registry, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Dispatcher{
		queue:     q,
		auth:      auth,
		builder:   builder,
		completer: completer,
		frontends: frontends,
		logger:    logger,
	}
}

// Run pulls envelopes until the context is cancelled or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info(logging.CategoryDispatch, "started", "dispatch loop running", nil)
	for {
		env, err := d.queue.Pull(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		telemetry.QueueDepth.Set(float64(d.queue.Len()))
		d.process(ctx, env)
	}
}

// process advances one envelope a single step. Prompt-phase envelopes that
// still have work ahead of them are requeued; response-phase envelopes are
// delivered and discarded.
func (d *Dispatcher) process(ctx context.Context, env *chat.Envelope) {
	switch {
	case !env.Verified && env.Phase == chat.PhasePrompt:
		d.admit(env)

	case env.Verified && env.Phase == chat.PhasePrompt:
		d.complete(ctx, env)

	case env.Verified && env.Phase == chat.PhaseResponse:
		d.deliver(env)

	default:
		// Unverified response-phase envelopes cannot be produced by any
		// stage. Drop and record the anomaly.
		d.logger.Error(logging.CategoryDispatch, "invalid_state", "dropping envelope in impossible state", map[string]any{
			"envelope": env.ID,
			"source":   env.Source,
			"phase":    env.Phase.String(),
		})
	}
}

// admit authenticates a fresh prompt, persists it to the user's chat log,
// and requeues the now-verified envelope for completion.
func (d *Dispatcher) admit(env *chat.Envelope) {
	if !d.auth.Validate(env) {
		telemetry.AuthFailures.WithLabelValues(env.Source).Inc()
		return
	}

	if err := d.auth.EnsureHistory(env); err != nil {
		telemetry.HistoryErrors.Inc()
		d.logger.Error(logging.CategoryDispatch, "history_failed", "dropping prompt, chat log unavailable", map[string]any{
			"envelope": env.ID,
			"username": env.Username,
			"error":    err.Error(),
		})
		return
	}

	if err := d.auth.Append(env, model.RoleUser, env.Prompt); err != nil {
		telemetry.HistoryErrors.Inc()
		d.logger.Error(logging.CategoryDispatch, "history_failed", "dropping prompt, chat log not writable", map[string]any{
			"envelope": env.ID,
			"username": env.Username,
			"error":    err.Error(),
		})
		return
	}

	d.requeue(env)
}

// complete builds the context if needed and asks the provider for a reply.
// A transient failure leaves the envelope in the prompt phase, so it cycles
// back for a fresh build and another attempt.
func (d *Dispatcher) complete(ctx context.Context, env *chat.Envelope) {
	if len(env.BuiltContext) == 0 {
		d.builder.Build(env)
	}

	d.completer.Complete(ctx, env)

	if env.Phase == chat.PhasePrompt {
		telemetry.CompletionRetries.Inc()
		d.requeue(env)
		return
	}

	if env.Payload.Content == completion.ExhaustedReply {
		telemetry.CompletionsExhausted.Inc()
	}

	// The reply is recorded as soon as it exists. A write failure costs the
	// record, not the delivery.
	if err := d.auth.Append(env, model.RoleAssistant, env.Payload.Content); err != nil {
		telemetry.HistoryErrors.Inc()
		d.logger.Error(logging.CategoryDispatch, "history_failed", "reply not recorded in chat log", map[string]any{
			"envelope": env.ID,
			"username": env.Username,
			"error":    err.Error(),
		})
	}
	d.requeue(env)
}

// deliver hands the envelope to its originating front-end. Delivery failures
// are logged and dropped, never retried.
func (d *Dispatcher) deliver(env *chat.Envelope) {
	fe, ok := d.frontends.Get(env.Source)
	if !ok {
		telemetry.DeliveryFailures.WithLabelValues(env.Source).Inc()
		d.logger.Error(logging.CategoryDispatch, "delivery_failed", "no front-end registered for source", map[string]any{
			"envelope": env.ID,
			"source":   env.Source,
		})
		return
	}

	if !fe.PostMsg(env) {
		telemetry.DeliveryFailures.WithLabelValues(env.Source).Inc()
		d.logger.Error(logging.CategoryDispatch, "delivery_failed", "front-end rejected response", map[string]any{
			"envelope": env.ID,
			"source":   env.Source,
			"username": env.Username,
		})
		return
	}

	telemetry.ResponsesDelivered.WithLabelValues(env.Source).Inc()
	d.logger.Info(logging.CategoryDispatch, "delivered", "response handed to front-end", map[string]any{
		"envelope": env.ID,
		"source":   env.Source,
		"username": env.Username,
	})
}

// requeue puts an envelope back onto the shared queue for its next stage.
func (d *Dispatcher) requeue(env *chat.Envelope) {
	if err := d.queue.Push(env); err != nil {
		d.logger.Error(logging.CategoryDispatch, "requeue_failed", "dropping in-flight envelope", map[string]any{
			"envelope": env.ID,
			"source":   env.Source,
			"phase":    env.Phase.String(),
			"error":    err.Error(),
		})
	}
}
