package chat

import (
	"github.com/williamsonf/fylgja/pkg/logging"
	"github.com/williamsonf/fylgja/pkg/model"
)

// Builder reconstructs a bounded-size conversation context for a verified
// envelope, spending the envelope's token budget on the most recent history
// first.
type Builder struct {
	counter      TokenCounter
	systemPrompt string
	logger       *logging.Logger
}

// NewBuilder creates a Builder. A nil counter defaults to tiktoken counting.
func NewBuilder(counter TokenCounter, systemPrompt string, logger *logging.Logger) *Builder {
	if counter == nil {
		counter = TiktokenCounter{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Builder{
		counter:      counter,
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// Build populates env.BuiltContext in place. The walk over the history
// snapshot is most-recent-first and stops once the budget is spent; the row
// that crosses the threshold is still included, so the just-persisted prompt
// (the newest row) always survives even on a tiny budget. After assembly the
// list is reversed into final request order: global system prompt, user
// system context, oldest kept turn through newest kept turn.
func (b *Builder) Build(env *Envelope) {
	env.TokenBudget -= requestOverheadTokens

	// The user's system context rides along as its own message, so its cost
	// comes out of the budget before any history does.
	if env.UserSystemContext != "" {
		env.TokenBudget -= MessageCost(b.counter, env.UserSystemContext)
	}

	// Reserve budget for anything already queued on the envelope. Normally
	// empty at this stage.
	for _, m := range env.BuiltContext {
		env.TokenBudget -= MessageCost(b.counter, m.Content)
	}

	assembled := append([]model.Message(nil), env.BuiltContext...)

	kept := 0
	for _, row := range env.HistorySnapshot {
		assembled = append(assembled, model.Message{Role: row.Role, Content: row.Content})
		env.TokenBudget -= MessageCost(b.counter, row.Content)
		kept++
		if env.TokenBudget <= 0 {
			break
		}
	}

	if env.UserSystemContext != "" {
		assembled = append(assembled, model.Message{Role: model.RoleSystem, Content: env.UserSystemContext})
	}
	if b.systemPrompt != "" {
		assembled = append(assembled, model.Message{Role: model.RoleSystem, Content: b.systemPrompt})
	}

	for i, j := 0, len(assembled)-1; i < j; i, j = i+1, j-1 {
		assembled[i], assembled[j] = assembled[j], assembled[i]
	}
	env.BuiltContext = assembled

	b.logger.Debug(logging.CategoryDispatch, "context_built", "assembled completion context", map[string]any{
		"envelope":      env.ID,
		"user":          env.Username,
		"history_kept":  kept,
		"history_total": len(env.HistorySnapshot),
		"context_turns": len(assembled),
		"budget_left":   env.TokenBudget,
	})
}
