// Package providers adapts hosted language models to agent.ModelClient.
//
// Every client streams one model turn per Stream call. Establishing the
// stream is retried with exponential backoff while the failure is transient
// and nothing has been delivered yet; once text has reached the caller a
// failure ends the turn with an error chunk.
package providers

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/internal/backoff"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// DefaultMaxTokens is the response budget when a request sets none.
const DefaultMaxTokens = 4096

// RetryOptions controls retries of stream establishment.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt. Default: 3.
	MaxRetries int
	// Policy is the delay schedule. Default: backoff.DefaultPolicy().
	Policy backoff.Policy
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Policy.Initial <= 0 {
		o.Policy = backoff.DefaultPolicy()
	}
	return o
}

// emitFunc delivers a chunk. It returns false once the turn's context is done.
type emitFunc func(*agent.Chunk) bool

// attemptFunc performs one attempt of a turn.
type attemptFunc func(ctx context.Context, emit emitFunc) error

// streamTurn runs attempt with retries on its own goroutine and returns the
// channel it produces into. The channel is closed when the turn ends.
func streamTurn(ctx context.Context, logger *slog.Logger, provider string, retry RetryOptions, attempt attemptFunc) <-chan *agent.Chunk {
	ch := make(chan *agent.Chunk)
	go func() {
		defer close(ch)
		delivered := false
		emit := func(c *agent.Chunk) bool {
			if c.Text != "" {
				delivered = true
			}
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		retryable := func(err error) bool {
			if delivered || !IsRetryable(err) {
				return false
			}
			logger.WarnContext(ctx, "model request failed, retrying", "provider", provider, "error", err)
			return true
		}
		_, err := backoff.Retry(ctx, retry.Policy, retry.MaxRetries+1, retryable, func(int) error {
			return attempt(ctx, emit)
		})
		if err != nil && ctx.Err() == nil {
			emit(&agent.Chunk{Err: err})
		}
	}()
	return ch
}

// done builds the final chunk of a successful turn.
func done(input, output int) *agent.Chunk {
	tokens := models.TokenInfo{Input: input, Output: output}.Normalize()
	return &agent.Chunk{Done: true, Tokens: &tokens}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func maxTokens(n int) int {
	if n <= 0 {
		return DefaultMaxTokens
	}
	return n
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
