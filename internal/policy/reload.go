package policy

import (
	"sync/atomic"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// Reloadable evaluates calls against an engine that can be replaced while
// calls are in flight. Each Evaluate sees exactly one rule set.
type Reloadable struct {
	engine atomic.Pointer[Engine]
}

// NewReloadable wraps an initial engine.
func NewReloadable(e *Engine) *Reloadable {
	r := &Reloadable{}
	r.engine.Store(e)
	return r
}

// Reload compiles rules and swaps them in. On error the current rules stay.
func (r *Reloadable) Reload(rules Rules) error {
	e, err := NewEngine(rules)
	if err != nil {
		return err
	}
	r.engine.Store(e)
	return nil
}

// Engine returns the current engine.
func (r *Reloadable) Engine() *Engine { return r.engine.Load() }

func (r *Reloadable) Evaluate(call models.ToolCall, ctx Context) Decision {
	return r.engine.Load().Evaluate(call, ctx)
}
