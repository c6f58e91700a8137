package frontend

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/williamsonf/fylgja/pkg/chat"
	"github.com/williamsonf/fylgja/pkg/logging"
	"github.com/williamsonf/fylgja/pkg/queue"
	"github.com/williamsonf/fylgja/pkg/telemetry"
)

// SourceCLI tags envelopes originating from the command line.
const SourceCLI = "cmd"

// exitCommand shuts the whole process down when typed at the prompt.
const exitCommand = "exit"

var _ Frontend = (*CLI)(nil)

// CLI is a line-oriented front-end reading prompts from one reader and
// printing responses to one writer. Every line belongs to the single
// configured user.
type CLI struct {
	queue  *queue.Queue
	userID string
	in     io.Reader
	out    io.Writer
	logger *logging.Logger
}

// NewCLI creates a command-line adapter for the given user ID.
func NewCLI(q *queue.Queue, userID string, in io.Reader, out io.Writer, logger *logging.Logger) *CLI {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CLI{queue: q, userID: userID, in: in, out: out, logger: logger}
}

func (c *CLI) Source() string { return SourceCLI }

// Start reads lines until EOF, cancellation, or the exit command. The exit
// command returns ErrShutdownRequested so the supervisor can stop the other
// listeners too.
func (c *CLI) Start(ctx context.Context) error {
	c.logger.Info(logging.CategoryFrontend, "started", "command line listener running", nil)

	lines := make(chan string)
	errs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-errs
			}
			if line == exitCommand {
				c.logger.Info(logging.CategoryFrontend, "exit", "shutdown requested from the command line", nil)
				return ErrShutdownRequested
			}
			c.ReceiveMsg(c.userID, line)
		}
	}
}

// ReceiveMsg wraps raw input into an unverified prompt envelope and pushes
// it onto the shared queue. Start always passes the configured user ID.
func (c *CLI) ReceiveMsg(userID, raw string) bool {
	if raw == "" {
		return false
	}
	if err := c.queue.Push(chat.NewPrompt(SourceCLI, userID, raw)); err != nil {
		c.logger.Error(logging.CategoryFrontend, "push_failed", "dropping command line prompt", map[string]any{
			"error": err.Error(),
		})
		return false
	}
	telemetry.PromptsReceived.WithLabelValues(SourceCLI).Inc()
	return true
}

// PostMsg prints the response payload. Terminals have no message size limit,
// so no splitting happens here.
func (c *CLI) PostMsg(env *chat.Envelope) bool {
	if _, err := fmt.Fprintln(c.out, env.Payload.Content); err != nil {
		c.logger.Error(logging.CategoryFrontend, "post_failed", "writing response to terminal", map[string]any{
			"error": err.Error(),
		})
		return false
	}
	return true
}
