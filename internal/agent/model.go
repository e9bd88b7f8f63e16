package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// ModelClient streams completions from a language model.
//
// Stream returns a channel the client closes when the turn ends. The client
// is the only producer: it must stop sending and close the channel once ctx
// is cancelled. A chunk with Err set terminates the turn; the final chunk of a
// successful turn has Done set and carries token usage.
type ModelClient interface {
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
	Name() string
}

// CompletionRequest is one model turn.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []models.Message
	MaxTokens int
}

// Chunk is a piece of a streamed model response.
type Chunk struct {
	Text   string
	Done   bool
	Tokens *models.TokenInfo
	Err    error
}

// SplitSystem separates the leading system messages from the rest of a
// history. Providers that take the system prompt out of band use it.
func SplitSystem(messages []models.Message) (string, []models.Message) {
	var system []string
	i := 0
	for ; i < len(messages) && messages[i].Role == models.RoleSystem; i++ {
		system = append(system, messages[i].Content)
	}
	return strings.Join(system, "\n\n"), messages[i:]
}

// Complete drains a stream into a single string. It is used for side
// requests such as summarization that have no renderer.
func Complete(ctx context.Context, client ModelClient, req *CompletionRequest) (string, models.TokenInfo, error) {
	ch, err := client.Stream(ctx, req)
	if err != nil {
		return "", models.TokenInfo{}, err
	}
	var (
		b      strings.Builder
		tokens models.TokenInfo
	)
	for {
		select {
		case <-ctx.Done():
			return b.String(), tokens, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return b.String(), tokens, nil
			}
			if chunk.Err != nil {
				return b.String(), tokens, chunk.Err
			}
			b.WriteString(chunk.Text)
			if chunk.Tokens != nil {
				tokens = chunk.Tokens.Normalize()
			}
		}
	}
}
