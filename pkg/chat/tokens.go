package chat

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// messageOverheadTokens is the per-message framing cost chat protocols add
// around each turn (role markers, separators). Roughly 4 tokens per message
// per OpenAI's token counting documentation.
const messageOverheadTokens = 4

// requestOverheadTokens covers the fixed framing of the request itself,
// including the primed assistant reply.
const requestOverheadTokens = 3

// TokenCounter counts tokens for a given text snippet. It must be a pure
// function of the string so counts are reproducible across runs.
type TokenCounter interface {
	Count(text string) int
}

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

// initTokenEncoder initializes the tiktoken encoder (lazy initialization)
func initTokenEncoder() error {
	encoderOnce.Do(func() {
		// cl100k_base covers GPT-4 and GPT-3.5-turbo
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// TiktokenCounter counts tokens with tiktoken, falling back to a
// deterministic length estimate when the encoding is unavailable.
type TiktokenCounter struct{}

func (TiktokenCounter) Count(text string) int {
	if err := initTokenEncoder(); err != nil {
		return estimateTokens(text)
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

// estimateTokens approximates English text at ~4 characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// MessageCost is the budget cost of one chat turn: its content tokens plus
// the per-message framing overhead.
func MessageCost(counter TokenCounter, content string) int {
	return counter.Count(content) + messageOverheadTokens
}
