package tape

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/codeagent/internal/agent"
)

// ErrTapeExhausted is returned when a replay asks for more turns than recorded.
var ErrTapeExhausted = errors.New("tape exhausted: no more turns to replay")

// Mismatch records a request that differs from the recorded one.
type Mismatch struct {
	TurnIndex int    `json:"turn_index"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// Replayer is a model client that answers from a tape.
type Replayer struct {
	mu         sync.Mutex
	tape       *Tape
	next       int
	mismatches []Mismatch
	requests   []agent.CompletionRequest
}

// NewReplayer creates a replayer over a copy of t.
func NewReplayer(t *Tape) *Replayer {
	return &Replayer{tape: t.Clone()}
}

// Name implements agent.ModelClient.
func (r *Replayer) Name() string {
	return "replay"
}

// Stream implements agent.ModelClient. Chunks are delivered until ctx is
// cancelled; a recorded error is delivered as a final error chunk.
func (r *Replayer) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	r.mu.Lock()
	r.requests = append(r.requests, *req)
	if r.next >= len(r.tape.Turns) {
		r.mu.Unlock()
		return nil, ErrTapeExhausted
	}
	turn := r.tape.Turns[r.next]
	r.next++
	if turn.MessageCount > 0 && turn.MessageCount != len(req.Messages) {
		r.mismatches = append(r.mismatches, Mismatch{
			TurnIndex: turn.Index,
			Field:     "message_count",
			Expected:  fmt.Sprintf("%d", turn.MessageCount),
			Actual:    fmt.Sprintf("%d", len(req.Messages)),
		})
	}
	r.mu.Unlock()

	out := make(chan *agent.Chunk)
	go func() {
		defer close(out)
		for _, text := range turn.Chunks {
			select {
			case out <- &agent.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		final := &agent.Chunk{Done: true, Tokens: turn.Tokens}
		if turn.Error != "" {
			final = &agent.Chunk{Err: errors.New(turn.Error)}
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Mismatches returns the request differences seen so far.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch(nil), r.mismatches...)
}

// Requests returns copies of the requests received.
func (r *Replayer) Requests() []agent.CompletionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.CompletionRequest(nil), r.requests...)
}

// Remaining returns how many turns are left.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tape.Turns) - r.next
}
