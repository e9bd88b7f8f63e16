package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/codeagent/internal/compaction"
	"github.com/haasonsaas/codeagent/internal/observability"
	"github.com/haasonsaas/codeagent/internal/toolcall"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// LoopPhase identifies the phase of an iteration for error reporting.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseParse        LoopPhase = "parse"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseCompress     LoopPhase = "compress"
	PhaseContinue     LoopPhase = "continue"
)

// LoopState is the lifecycle state of a Loop.
type LoopState string

const (
	StateIdle      LoopState = "idle"
	StateRunning   LoopState = "running"
	StateCompleted LoopState = "completed"
	StateFailed    LoopState = "failed"
	StateCancelled LoopState = "cancelled"
)

// InterruptedMarker ends the terminal message of a cancelled run.
const InterruptedMarker = "[Interrupted]"

// RepeatedCallsMessage is the failure message of the repeated-call guard.
const RepeatedCallsMessage = "Stopped due to repeated tool calls"

// LoopConfig configures the agent loop.
type LoopConfig struct {
	// MaxIterations caps model turns per Start. Default: 30.
	MaxIterations int

	// Model is passed to the model client.
	Model string

	// MaxTokens is the response token budget per turn. Default: 4096.
	MaxTokens int

	// SystemPrompt seeds an empty history.
	SystemPrompt string

	// WorkDir is the workspace root for tools and policy.
	WorkDir string
}

// DefaultLoopConfig returns the default loop settings.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations: 30,
		MaxTokens:     4096,
	}
}

// HistoryCompressor shrinks a history. *compaction.Compressor implements it.
type HistoryCompressor interface {
	TryCompressHistory(ctx context.Context, messages []models.Message, force bool) compaction.Result
}

// RunResult is the outcome of one Start.
type RunResult struct {
	RunID      string
	State      LoopState
	Iterations int
	Message    string
	Err        error
}

// Loop drives one agent task: it streams model turns, parses tool calls,
// executes them and feeds the results back until the model stops calling
// tools, the iteration cap is reached or the run is stopped.
//
// History, tokens and tasks are written only by the run goroutine; accessors
// return copies.
type Loop struct {
	model        ModelClient
	orchestrator *Orchestrator
	parser       *toolcall.Parser
	compressor   HistoryCompressor
	approver     Approver
	renderer     Renderer
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	config       LoopConfig
	runID        string
	timeline     *Timeline
	tasks        *TaskList

	mu      sync.RWMutex
	state   LoopState
	history []models.Message
	latest  models.TokenInfo
	total   models.TokenInfo
	cancel  context.CancelFunc
	done    chan struct{}
	result  RunResult

	// promptDirty is set when the system prompt changed mid-run.
	promptDirty bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithRenderer sets the renderer.
func WithRenderer(r Renderer) LoopOption {
	return func(l *Loop) {
		if r != nil {
			l.renderer = r
		}
	}
}

// WithApprover sets the human approval channel. Without one, calls that
// require approval are denied.
func WithApprover(a Approver) LoopOption {
	return func(l *Loop) { l.approver = a }
}

// WithCompressor enables opportunistic history compression.
func WithCompressor(c HistoryCompressor) LoopOption {
	return func(l *Loop) { l.compressor = c }
}

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoopMetrics records loop metrics.
func WithLoopMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithLoopTracer traces model turns and compression.
func WithLoopTracer(t *observability.Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) LoopOption {
	return func(l *Loop) {
		if id != "" {
			l.runID = id
		}
	}
}

// WithHistory seeds the conversation, e.g. when resuming a run.
func WithHistory(messages []models.Message) LoopOption {
	return func(l *Loop) {
		l.history = append([]models.Message(nil), messages...)
	}
}

// NewLoop creates a loop. The task-boundary tool is registered on the
// orchestrator's registry as a reserved tool writing to this loop's tasks.
func NewLoop(model ModelClient, orchestrator *Orchestrator, config LoopConfig, opts ...LoopOption) *Loop {
	defaults := DefaultLoopConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	l := &Loop{
		model:        model,
		orchestrator: orchestrator,
		renderer:     NopRenderer{},
		logger:       slog.Default(),
		config:       config,
		runID:        uuid.NewString(),
		tasks:        NewTaskList(),
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent_loop", "run_id", l.runID)
	l.parser = toolcall.NewParser(l.logger)
	l.timeline = NewTimeline(l.runID)

	if orchestrator != nil {
		tool := NewTaskBoundaryTool(l.tasks, l.renderer.OnTasks)
		if err := orchestrator.Registry().RegisterReserved(tool); err != nil {
			l.logger.Error("failed to register task-boundary tool", "error", err)
		}
	}
	return l
}

// Start begins a run in the background. Calling Start again after a run has
// finished continues the same conversation with a new task.
func (l *Loop) Start(ctx context.Context, task string) error {
	if l.model == nil {
		return ErrNoModel
	}
	if l.orchestrator == nil {
		return errors.New("no orchestrator configured")
	}
	l.mu.Lock()
	if l.state == StateRunning {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = StateRunning
	l.result = RunResult{RunID: l.runID, State: StateRunning}
	l.mu.Unlock()

	go l.run(runCtx, task)
	return nil
}

// Run starts a run and waits for it to finish.
func (l *Loop) Run(ctx context.Context, task string) (RunResult, error) {
	if err := l.Start(ctx, task); err != nil {
		return RunResult{RunID: l.runID, State: StateFailed, Err: err}, err
	}
	res := l.Wait()
	return res, res.Err
}

// Wait blocks until the current run finishes and returns its result.
func (l *Loop) Wait() RunResult {
	l.mu.RLock()
	done := l.done
	l.mu.RUnlock()
	if done != nil {
		<-done
	}
	return l.Result()
}

// ForceStop cancels the current run and waits for it to wind down. The run
// ends with exactly one interrupted message on the timeline. It must not be
// called from renderer callbacks.
func (l *Loop) ForceStop() {
	l.mu.RLock()
	cancel, done := l.cancel, l.done
	l.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether a run is in progress.
func (l *Loop) IsRunning() bool {
	return l.State() == StateRunning
}

// State returns the lifecycle state.
func (l *Loop) State() LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Result returns the outcome of the latest run.
func (l *Loop) Result() RunResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.result
}

// RunID returns the id of the run.
func (l *Loop) RunID() string {
	return l.runID
}

// Timeline returns the run's timeline.
func (l *Loop) Timeline() *Timeline {
	return l.timeline
}

// Tasks returns a copy of the task list.
func (l *Loop) Tasks() []models.Task {
	return l.tasks.Snapshot()
}

// TokenInfo returns the token usage of the latest model turn.
func (l *Loop) TokenInfo() models.TokenInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest
}

// TotalTokens returns the token usage accumulated over the run.
func (l *Loop) TotalTokens() models.TokenInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// History returns a copy of the conversation.
func (l *Loop) History() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Loop) run(ctx context.Context, task string) {
	ctx = observability.AddRunID(ctx, l.runID)
	state, iterations, msg, err := l.execute(ctx, task)
	l.finish(state, iterations, msg, err)
}

func (l *Loop) execute(ctx context.Context, task string) (LoopState, int, string, error) {
	l.logger.InfoContext(ctx, "run started", "max_iterations", l.config.MaxIterations)

	l.mu.Lock()
	if len(l.history) == 0 && l.config.SystemPrompt != "" {
		l.history = append(l.history, newMessage(models.RoleSystem, l.config.SystemPrompt))
		l.promptDirty = false
	}
	l.mu.Unlock()
	l.appendMessage(newMessage(models.RoleUser, task))
	l.emit(models.TimelineItem{
		Kind:    models.TimelineMessage,
		Message: &models.MessageItem{Role: models.RoleUser, Content: task},
	})

	ectx := ExecContext{WorkDir: l.config.WorkDir, Approver: l.approver, RunID: l.runID}
	guard := &repeatGuard{}
	maxIterations := l.config.MaxIterations

	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return l.interrupt(iteration-1, "", PhaseContinue)
		}
		if iteration > maxIterations {
			msg := fmt.Sprintf("reached max iterations: %d", maxIterations)
			l.emitError("max_iterations", msg)
			l.emitComplete(false, msg, maxIterations)
			return StateFailed, maxIterations, msg, &LoopError{
				Phase: PhaseContinue, Iteration: maxIterations, Cause: ErrMaxIterations, Message: msg,
			}
		}

		l.applySystemPrompt()
		l.emit(models.TimelineItem{
			Kind:      models.TimelineIterationHeader,
			Iteration: &models.IterationItem{Iteration: iteration, MaxIterations: maxIterations},
		})
		l.metrics.RecordIteration()

		text, tokens, err := l.streamTurn(ctx, iteration)
		if ctx.Err() != nil {
			return l.interrupt(iteration, text, PhaseStream)
		}
		if err != nil {
			msg := fmt.Sprintf("model request failed: %v", err)
			l.emitError(string(KindModel), msg)
			l.emitComplete(false, msg, iteration)
			return StateFailed, iteration, msg, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}
		l.recordTokens(tokens)
		l.appendMessage(newMessage(models.RoleAssistant, text))
		l.emit(models.TimelineItem{
			Kind:    models.TimelineMessage,
			Message: &models.MessageItem{Role: models.RoleAssistant, Content: text},
		})

		calls := l.parser.Parse(text)
		if len(calls) == 0 {
			msg := fmt.Sprintf("Task completed after %d iterations", iteration)
			l.emitComplete(true, msg, iteration)
			return StateCompleted, iteration, msg, nil
		}
		for i := range calls {
			calls[i].ID = uuid.NewString()
		}

		if call, repeated := guard.observe(calls); repeated {
			l.logger.WarnContext(ctx, "repeated tool call", "tool", call.ToolName)
			l.emitError("repeated_tool_calls", fmt.Sprintf("%s: %s", RepeatedCallsMessage, call.ToolName))
			l.emitComplete(false, RepeatedCallsMessage, iteration)
			return StateFailed, iteration, RepeatedCallsMessage, &LoopError{
				Phase: PhaseExecuteTools, Iteration: iteration, Cause: ErrRepeatedCalls, Message: RepeatedCallsMessage,
			}
		}

		l.orchestrator.ExecuteToolChain(ctx, ectx, calls, func(_ int, call models.ToolCall, res models.ToolResult) {
			l.emit(models.TimelineItem{
				Kind:     models.TimelineToolCall,
				ToolCall: &models.ToolCallItem{Call: call, Result: res},
			})
			if res.Interrupted() {
				return
			}
			if !res.Success {
				kind, _ := res.Metadata["error_kind"].(string)
				l.emitError(kind, fmt.Sprintf("%s: %s", call.ToolName, res.Error))
			}
			msg := newMessage(models.RoleTool, res.Text())
			msg.ToolName = call.ToolName
			l.appendMessage(msg)
		})
		if ctx.Err() != nil {
			return l.interrupt(iteration, "", PhaseExecuteTools)
		}

		l.compress(ctx)
	}
}

// SetSystemPrompt replaces the system prompt, for example after the project
// instructions changed. A running loop applies it before its next model turn.
func (l *Loop) SetSystemPrompt(prompt string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.SystemPrompt = prompt
	l.promptDirty = true
}

func (l *Loop) applySystemPrompt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.promptDirty {
		return
	}
	l.promptDirty = false
	prompt := l.config.SystemPrompt
	if len(l.history) > 0 && l.history[0].Role == models.RoleSystem {
		msg := l.history[0]
		msg.Content = prompt
		l.history[0] = msg
		return
	}
	if prompt != "" {
		l.history = append([]models.Message{newMessage(models.RoleSystem, prompt)}, l.history...)
	}
}

// streamTurn sends the history to the model and collects the streamed reply.
// On cancellation the partial text is returned with ctx's error.
func (l *Loop) streamTurn(ctx context.Context, iteration int) (string, models.TokenInfo, error) {
	ctx, span := l.tracer.TraceModelStream(ctx, l.model.Name(), iteration)
	defer span.End()

	history := l.History()
	system, rest := SplitSystem(history)
	ch, err := l.model.Stream(ctx, &CompletionRequest{
		Model:     l.config.Model,
		System:    system,
		Messages:  rest,
		MaxTokens: l.config.MaxTokens,
	})
	if err != nil {
		l.tracer.RecordError(span, err)
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
				if tokens.Total == 0 {
					tokens = models.TokenInfo{
						Input:  compaction.EstimateTokens(history),
						Output: compaction.EstimateMessageTokens(models.Message{Content: b.String()}),
					}.Normalize()
				}
				return b.String(), tokens, nil
			}
			if chunk.Err != nil {
				l.tracer.RecordError(span, chunk.Err)
				return b.String(), tokens, chunk.Err
			}
			if chunk.Text != "" {
				b.WriteString(chunk.Text)
				l.renderer.OnChunk(chunk.Text)
			}
			if chunk.Tokens != nil {
				tokens = chunk.Tokens.Normalize()
			}
		}
	}
}

// interrupt records the single terminal message of a cancelled run.
func (l *Loop) interrupt(iteration int, partial string, phase LoopPhase) (LoopState, int, string, error) {
	content := InterruptedMarker
	if strings.TrimSpace(partial) != "" {
		content = partial + "\n\n" + InterruptedMarker
	}
	l.appendMessage(newMessage(models.RoleAssistant, content))
	l.emit(models.TimelineItem{
		Kind: models.TimelineMessage,
		Message: &models.MessageItem{
			Role:        models.RoleAssistant,
			Content:     content,
			Interrupted: true,
		},
	})
	return StateCancelled, iteration, "run cancelled", &LoopError{Phase: phase, Iteration: iteration, Cause: ErrCancelled}
}

func (l *Loop) compress(ctx context.Context) {
	if l.compressor == nil {
		return
	}
	_ = observability.WithSpan(ctx, l.tracer, "compaction", func(ctx context.Context, span trace.Span) error {
		res := l.compressor.TryCompressHistory(ctx, l.History(), false)
		l.metrics.RecordCompression(string(res.Status))
		l.tracer.SetAttributes(span, "compaction.status", string(res.Status))
		switch res.Status {
		case compaction.StatusSuccess:
			l.mu.Lock()
			l.history = res.Messages
			l.mu.Unlock()
			l.emit(models.TimelineItem{
				Kind: models.TimelineMessage,
				Message: &models.MessageItem{
					Role:    models.RoleSystem,
					Content: fmt.Sprintf("Conversation history compressed from %d to %d tokens", res.OriginalTokens, res.NewTokens),
				},
			})
		case compaction.StatusFailed:
			l.logger.WarnContext(ctx, "history compression failed, keeping full history", "error", res.Err)
			return res.Err
		}
		return nil
	})
}

func (l *Loop) finish(state LoopState, iterations int, msg string, err error) {
	l.mu.Lock()
	l.state = state
	l.result = RunResult{
		RunID:      l.runID,
		State:      state,
		Iterations: iterations,
		Message:    msg,
		Err:        err,
	}
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.metrics.RecordRun(string(state))
	l.logger.Info("run finished", "state", state, "iterations", iterations, "message", msg)
	close(done)
}

func (l *Loop) appendMessage(msg models.Message) {
	l.mu.Lock()
	l.history = append(l.history, msg)
	l.mu.Unlock()
}

func (l *Loop) recordTokens(tokens models.TokenInfo) {
	l.mu.Lock()
	l.latest = tokens
	l.total = l.total.Add(tokens)
	total := l.total
	l.mu.Unlock()
	l.renderer.OnTokens(tokens, total)
	l.metrics.RecordTokens(l.model.Name(), tokens.Input, tokens.Output)
}

func (l *Loop) emit(item models.TimelineItem) {
	l.renderer.OnItem(l.timeline.Append(item))
}

func (l *Loop) emitError(kind, message string) {
	l.emit(models.TimelineItem{
		Kind:  models.TimelineError,
		Error: &models.ErrorItem{Kind: kind, Message: message},
	})
}

func (l *Loop) emitComplete(success bool, message string, iterations int) {
	l.emit(models.TimelineItem{
		Kind: models.TimelineTaskComplete,
		TaskComplete: &models.TaskCompleteItem{
			Success:    success,
			Message:    message,
			Iterations: iterations,
		},
	})
}

func newMessage(role models.Role, content string) models.Message {
	msg := models.Message{Role: role, Content: content, CreatedAt: time.Now()}
	msg.Tokens = compaction.EstimateMessageTokens(msg)
	return msg
}
