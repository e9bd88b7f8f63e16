package tape

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/codeagent/internal/agent"
)

// Recorder wraps a model client and records every turn it streams.
type Recorder struct {
	client agent.ModelClient
	mu     sync.Mutex
	tape   *Tape
	next   int
}

// NewRecorder creates a recorder around client.
func NewRecorder(client agent.ModelClient, model string) *Recorder {
	t := New()
	t.Provider = client.Name()
	t.Model = model
	return &Recorder{client: client, tape: t}
}

// Name implements agent.ModelClient.
func (r *Recorder) Name() string {
	return r.client.Name()
}

// Stream implements agent.ModelClient, forwarding chunks unchanged.
func (r *Recorder) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	r.mu.Lock()
	index := r.next
	r.next++
	r.mu.Unlock()

	start := time.Now()
	upstream, err := r.client.Stream(ctx, req)
	if err != nil {
		r.record(index, Turn{MessageCount: len(req.Messages), Error: err.Error(), Duration: time.Since(start)})
		return nil, err
	}

	out := make(chan *agent.Chunk)
	go func() {
		defer close(out)
		turn := Turn{MessageCount: len(req.Messages), Chunks: []string{}}
		var text strings.Builder
		defer func() {
			turn.Text = text.String()
			turn.Duration = time.Since(start)
			r.record(index, turn)
		}()
		for chunk := range upstream {
			if chunk.Text != "" {
				turn.Chunks = append(turn.Chunks, chunk.Text)
				text.WriteString(chunk.Text)
			}
			if chunk.Tokens != nil {
				tokens := *chunk.Tokens
				turn.Tokens = &tokens
			}
			if chunk.Err != nil {
				turn.Error = chunk.Err.Error()
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Recorder) record(index int, turn Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	turn.Index = index
	// Turns finish in request order because the loop streams one at a time.
	r.tape.Turns = append(r.tape.Turns, turn)
}

// Tape returns a copy of everything recorded so far.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}
