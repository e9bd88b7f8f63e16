package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// Approver asks a human whether a tool call may run. Implementations must
// return when ctx is cancelled.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// RequestApproval calls f.
func (f ApproverFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// ApprovalRequest describes a pending approval.
type ApprovalRequest struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id,omitempty"`
	Call      models.ToolCall `json:"call"`
	Origin    string          `json:"origin"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrApprovalTimeout is returned when nobody answers within the timeout.
var ErrApprovalTimeout = errors.New("approval timed out")

// ErrUnknownApproval is returned when resolving an id that is not pending.
var ErrUnknownApproval = errors.New("unknown approval request")

// ChannelApprover publishes approval requests on a channel and waits for a
// matching Resolve call. A zero Timeout waits until the context ends.
type ChannelApprover struct {
	Timeout time.Duration

	requests chan ApprovalRequest
	mu       sync.Mutex
	pending  map[string]chan bool
}

// NewChannelApprover creates an approver whose requests are read from Requests.
func NewChannelApprover(timeout time.Duration) *ChannelApprover {
	return &ChannelApprover{
		Timeout:  timeout,
		requests: make(chan ApprovalRequest, 16),
		pending:  make(map[string]chan bool),
	}
}

// Requests delivers approval requests to the human-facing side.
func (a *ChannelApprover) Requests() <-chan ApprovalRequest {
	return a.requests
}

// RequestApproval publishes req and waits for Resolve, cancellation or timeout.
func (a *ChannelApprover) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	answer := make(chan bool, 1)
	a.mu.Lock()
	a.pending[req.ID] = answer
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if a.Timeout > 0 {
		timer := time.NewTimer(a.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case a.requests <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timeout:
		return false, ErrApprovalTimeout
	}

	select {
	case ok := <-answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timeout:
		return false, ErrApprovalTimeout
	}
}

// Resolve answers a pending request.
func (a *ChannelApprover) Resolve(id string, approved bool) error {
	a.mu.Lock()
	answer, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, id)
	}
	select {
	case answer <- approved:
		return nil
	default:
		return fmt.Errorf("approval %s already resolved", id)
	}
}

// Pending returns the ids of requests awaiting an answer.
func (a *ChannelApprover) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	return ids
}

// StaticApprover answers every request the same way.
type StaticApprover bool

// RequestApproval returns the static answer.
func (s StaticApprover) RequestApproval(ctx context.Context, _ ApprovalRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return bool(s), nil
}
