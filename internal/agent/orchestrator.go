package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/codeagent/internal/observability"
	"github.com/haasonsaas/codeagent/internal/policy"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// PolicyEvaluator decides whether a call may run. *policy.Engine implements it.
type PolicyEvaluator interface {
	Evaluate(call models.ToolCall, ctx policy.Context) policy.Decision
}

// CallState is the lifecycle state of one tool call.
type CallState string

const (
	CallPending          CallState = "pending"
	CallPolicy           CallState = "policy"
	CallAwaitingApproval CallState = "awaiting_approval"
	CallExecuting        CallState = "executing"
	CallSuccess          CallState = "success"
	CallFailed           CallState = "failed"
)

// StateObserver is notified of every call state transition. It must not block.
type StateObserver func(call models.ToolCall, state CallState)

// OrchestratorConfig configures tool execution.
type OrchestratorConfig struct {
	// PerToolTimeout bounds a single handler invocation. Default: 120 seconds.
	PerToolTimeout time.Duration

	// MaxOutputChars bounds the output shown to the model. The full output is
	// kept in ToolResult.FullOutput. Default: 30000.
	MaxOutputChars int

	// Parallelism bounds ExecuteParallel. Default: 4.
	Parallelism int
}

// DefaultOrchestratorConfig returns the default execution limits.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PerToolTimeout: 120 * time.Second,
		MaxOutputChars: 30000,
		Parallelism:    4,
	}
}

// ExecContext is shared read-only by every call of one run.
type ExecContext struct {
	WorkDir  string
	Approver Approver
	RunID    string
}

// Orchestrator resolves, authorizes and executes tool calls, normalizing every
// outcome into a models.ToolResult.
type Orchestrator struct {
	registry *Registry
	policy   PolicyEvaluator
	config   OrchestratorConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	observer StateObserver
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOrchestratorMetrics records tool metrics.
func WithOrchestratorMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOrchestratorTracer traces tool executions.
func WithOrchestratorTracer(t *observability.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithStateObserver reports call state transitions.
func WithStateObserver(fn StateObserver) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = fn }
}

// NewOrchestrator creates an orchestrator. A nil evaluator allows every call.
func NewOrchestrator(registry *Registry, evaluator PolicyEvaluator, config OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	defaults := DefaultOrchestratorConfig()
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = defaults.PerToolTimeout
	}
	if config.MaxOutputChars == 0 {
		config.MaxOutputChars = defaults.MaxOutputChars
	}
	if config.Parallelism <= 0 {
		config.Parallelism = defaults.Parallelism
	}
	o := &Orchestrator{
		registry: registry,
		policy:   evaluator,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Registry returns the registry calls are resolved against.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// ExecuteToolCall runs one call through resolution, validation, policy,
// approval and execution. It never returns an error: every failure is a
// result with Success false and metadata["error_kind"] set.
func (o *Orchestrator) ExecuteToolCall(ctx context.Context, ectx ExecContext, call models.ToolCall) models.ToolResult {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	start := time.Now()
	ctx = observability.AddToolCallID(ctx, call.ID)
	if ectx.RunID != "" {
		ctx = observability.AddRunID(ctx, ectx.RunID)
	}
	o.transition(ctx, call, CallPending)

	handler, desc, ok := o.registry.Resolve(call.ToolName)
	if !ok {
		msg := fmt.Sprintf("Tool not found: %s", call.ToolName)
		if hints := suggest(call.ToolName, o.registry.Names()); len(hints) > 0 {
			msg += fmt.Sprintf(". Did you mean: %s?", strings.Join(hints, ", "))
		}
		return o.finish(ctx, call, start, "", "not_found", o.failure(call, KindToolNotFound, msg))
	}
	origin := desc.Origin
	if origin == "" {
		origin = OriginBuiltin
	}

	ctx, span := o.tracer.TraceToolExecution(ctx, call.ToolName, origin)
	defer span.End()

	params, err := o.registry.Validate(desc, call.Params)
	if err != nil {
		o.tracer.RecordError(span, err)
		return o.finish(ctx, call, start, origin, "invalid", o.failure(call, KindInvalidInput,
			fmt.Sprintf("Invalid parameters for %s: %v", call.ToolName, err)))
	}
	call.Params = params

	o.transition(ctx, call, CallPolicy)
	if o.policy != nil {
		decision := o.policy.Evaluate(call, policy.Context{
			WorkDir:           ectx.WorkDir,
			Origin:            origin,
			ApprovalAvailable: ectx.Approver != nil,
		})
		o.tracer.SetAttributes(span, "policy.verdict", string(decision.Verdict))
		switch decision.Verdict {
		case policy.Deny:
			o.logger.InfoContext(ctx, "tool call denied", "tool", call.ToolName, "reason", decision.Reason)
			res := o.failure(call, KindPolicyDenied, fmt.Sprintf("Tool execution denied by policy: %s", call.ToolName))
			res.Metadata["reason"] = decision.Reason
			return o.finish(ctx, call, start, origin, "denied", res)
		case policy.RequireApproval:
			if res, ok := o.awaitApproval(ctx, ectx, call, origin, decision.Reason); !ok {
				return o.finish(ctx, call, start, origin, res.Metadata["status"].(string), res)
			}
		}
	}

	o.transition(ctx, call, CallExecuting)
	res, status := o.invoke(ctx, handler, call)
	if !res.Success {
		o.tracer.RecordError(span, errors.New(res.Error))
	}
	return o.finish(ctx, call, start, origin, status, res)
}

// awaitApproval asks the approver about call. It returns ok=true when the
// call may proceed; otherwise res is the failed result to report.
func (o *Orchestrator) awaitApproval(ctx context.Context, ectx ExecContext, call models.ToolCall, origin, reason string) (models.ToolResult, bool) {
	if ectx.Approver == nil {
		res := o.failure(call, KindPolicyDenied, fmt.Sprintf("Tool execution denied by policy: %s", call.ToolName))
		res.Metadata["status"] = "denied"
		return res, false
	}
	o.transition(ctx, call, CallAwaitingApproval)
	approved, err := ectx.Approver.RequestApproval(ctx, ApprovalRequest{
		ID:        uuid.NewString(),
		RunID:     ectx.RunID,
		Call:      call,
		Origin:    origin,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	switch {
	case err != nil && ctx.Err() != nil:
		o.metrics.RecordApproval("error")
		res := o.failure(call, KindCancelled, "tool execution canceled while awaiting approval")
		res.Metadata["interrupted"] = true
		res.Metadata["status"] = "interrupted"
		return res, false
	case err != nil:
		o.metrics.RecordApproval("error")
		res := o.failure(call, KindApprovalRejected, fmt.Sprintf("Tool execution not approved: %s: %v", call.ToolName, err))
		res.Metadata["status"] = "rejected"
		return res, false
	case !approved:
		o.metrics.RecordApproval("rejected")
		res := o.failure(call, KindApprovalRejected, fmt.Sprintf("Tool execution rejected by user: %s", call.ToolName))
		res.Metadata["status"] = "rejected"
		return res, false
	}
	o.metrics.RecordApproval("approved")
	return models.ToolResult{}, true
}

// invoke runs the handler with the per-tool timeout. The handler runs on its
// own goroutine so a handler that ignores its context cannot hold the run.
func (o *Orchestrator) invoke(ctx context.Context, handler Handler, call models.ToolCall) (models.ToolResult, string) {
	toolCtx, cancel := context.WithTimeout(ctx, o.config.PerToolTimeout)
	defer cancel()

	type execResult struct {
		result models.ToolResult
		err    error
	}
	done := make(chan execResult, 1)

	go func() {
		var out execResult
		defer func() {
			if r := recover(); r != nil {
				o.logger.ErrorContext(ctx, "tool panicked", "tool", call.ToolName, "panic", r, "stack", string(debug.Stack()))
				out = execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
			select {
			case done <- out:
			default:
			}
		}()
		out.result, out.err = handler.Execute(toolCtx, call.Params)
		switch {
		case ctx.Err() != nil:
			o.logger.Debug("tool execution finished after the run was cancelled, result discarded",
				"tool", call.ToolName, "tool_call_id", call.ID)
		case toolCtx.Err() != nil:
			o.logger.Warn("tool execution completed after timeout, result discarded",
				"tool", call.ToolName, "tool_call_id", call.ID)
		}
	}()

	select {
	case <-toolCtx.Done():
		if ctx.Err() != nil {
			return o.interrupted(call, ""), "interrupted"
		}
		res := o.failure(call, KindTimeout, fmt.Sprintf("tool execution timed out after %v", o.config.PerToolTimeout))
		return res, "timeout"
	case out := <-done:
		if ctx.Err() != nil {
			return o.interrupted(call, out.result.Output), "interrupted"
		}
		if out.err != nil {
			kind := KindOf(out.err)
			if errors.Is(out.err, ErrToolPanic) {
				kind = KindToolExecution
			}
			res := o.failure(call, kind, out.err.Error())
			res.Output = out.result.Output
			return res, "failed"
		}
		res := out.result
		res.ToolCallID = call.ID
		res.ToolName = call.ToolName
		if res.Metadata == nil {
			res.Metadata = make(map[string]any)
		}
		if res.Success {
			return res, "success"
		}
		if _, ok := res.Metadata["error_kind"]; !ok {
			res.Metadata["error_kind"] = string(KindToolExecution)
		}
		return res, "failed"
	}
}

func (o *Orchestrator) interrupted(call models.ToolCall, partial string) models.ToolResult {
	res := o.failure(call, KindCancelled, "tool execution canceled")
	res.Output = partial
	res.Metadata["interrupted"] = true
	return res
}

func (o *Orchestrator) failure(call models.ToolCall, kind ErrorKind, msg string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.ToolName,
		Success:    false,
		Error:      msg,
		Metadata:   map[string]any{"error_kind": string(kind)},
	}
}

// finish stamps metadata, truncates output and records the outcome.
func (o *Orchestrator) finish(ctx context.Context, call models.ToolCall, start time.Time, origin, status string, res models.ToolResult) models.ToolResult {
	elapsed := time.Since(start)
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}
	res.ToolCallID = call.ID
	res.ToolName = call.ToolName
	res.Metadata["execution_time_ms"] = elapsed.Milliseconds()
	res.Metadata["tool"] = call.ToolName
	res.Metadata["status"] = status
	if origin != "" {
		res.Metadata["origin"] = origin
	}
	if _, ok := res.Metadata["interrupted"]; !ok {
		res.Metadata["interrupted"] = false
	}
	if res.FullOutput == "" {
		res.FullOutput = res.Output
	}
	res.Output = TruncateOutput(res.Output, o.config.MaxOutputChars)

	if res.Success {
		o.transition(ctx, call, CallSuccess)
	} else {
		o.transition(ctx, call, CallFailed)
		o.logger.DebugContext(ctx, "tool call failed", "tool", call.ToolName, "status", status, "error", res.Error)
	}
	o.metrics.RecordToolExecution(call.ToolName, status, elapsed.Seconds())
	return res
}

func (o *Orchestrator) transition(ctx context.Context, call models.ToolCall, state CallState) {
	o.logger.DebugContext(ctx, "tool call state", "tool", call.ToolName, "state", string(state))
	if o.observer != nil {
		o.observer(call, state)
	}
}

// ChainObserver receives each result of a chain as soon as it is available.
type ChainObserver func(index int, call models.ToolCall, result models.ToolResult)

// ExecuteToolChain runs calls sequentially in order. It stops early only when
// ctx is cancelled; the results returned cover the calls actually attempted.
func (o *Orchestrator) ExecuteToolChain(ctx context.Context, ectx ExecContext, calls []models.ToolCall, observe ChainObserver) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for i, call := range calls {
		if ctx.Err() != nil {
			break
		}
		res := o.ExecuteToolCall(ctx, ectx, call)
		results = append(results, res)
		if observe != nil {
			observe(i, call, res)
		}
		if res.Interrupted() {
			break
		}
	}
	return results
}

// ExecuteParallel runs independent calls concurrently, bounded by
// Parallelism. Results are returned in call order.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, ectx ExecContext, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = o.ExecuteToolCall(gctx, ectx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
