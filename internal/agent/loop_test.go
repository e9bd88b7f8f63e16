package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/codeagent/internal/compaction"
	"github.com/haasonsaas/codeagent/internal/policy"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// scriptedTurn is one canned model response.
type scriptedTurn struct {
	chunks []string
	err    error
	// block keeps the stream open after the chunks until ctx is cancelled.
	block bool
}

// scriptedModel replays canned turns and records the requests it received.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []*CompletionRequest
	blocked  chan struct{}
}

func newScriptedModel(turns ...scriptedTurn) *scriptedModel {
	return &scriptedModel{turns: turns, blocked: make(chan struct{})}
}

func say(text ...string) scriptedTurn { return scriptedTurn{chunks: text} }

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Stream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.turns) == 0 {
		m.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	m.mu.Unlock()

	ch := make(chan *Chunk)
	go func() {
		defer close(ch)
		for _, text := range turn.chunks {
			select {
			case ch <- &Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if turn.block {
			close(m.blocked)
			<-ctx.Done()
			return
		}
		final := &Chunk{Done: true, Tokens: &models.TokenInfo{Input: 100, Output: 10}}
		if turn.err != nil {
			final = &Chunk{Err: turn.err}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (m *scriptedModel) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	err := r.Register(&fakeTool{name: "echo", exec: func(_ context.Context, p models.Params) (models.ToolResult, error) {
		return models.ToolResult{Success: true, Output: p.String("text")}, nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestLoop(t *testing.T, model ModelClient, config LoopConfig, opts ...LoopOption) *Loop {
	t.Helper()
	orch := NewOrchestrator(echoRegistry(t), nil, OrchestratorConfig{})
	return NewLoop(model, orch, config, opts...)
}

func kinds(items []models.TimelineItem) []models.TimelineKind {
	out := make([]models.TimelineKind, len(items))
	for i, item := range items {
		out[i] = item.Kind
	}
	return out
}

func lastItem(t *testing.T, l *Loop) models.TimelineItem {
	t.Helper()
	items := l.Timeline().Snapshot()
	if len(items) == 0 {
		t.Fatal("timeline is empty")
	}
	return items[len(items)-1]
}

func TestLoopCompletesWithoutToolCalls(t *testing.T) {
	model := newScriptedModel(say("All ", "done."))
	loop := newTestLoop(t, model, LoopConfig{SystemPrompt: "be brief"})

	res, err := loop.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateCompleted || res.Iterations != 1 || res.Message != "Task completed after 1 iterations" {
		t.Fatalf("unexpected result %+v", res)
	}

	want := []models.TimelineKind{
		models.TimelineMessage,
		models.TimelineIterationHeader,
		models.TimelineMessage,
		models.TimelineTaskComplete,
	}
	got := kinds(loop.Timeline().Snapshot())
	if len(got) != len(want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	}

	history := loop.History()
	if len(history) != 3 || history[0].Role != models.RoleSystem || history[2].Content != "All done." {
		t.Fatalf("unexpected history %+v", history)
	}
	if model.requests[0].System != "be brief" || len(model.requests[0].Messages) != 1 {
		t.Fatalf("system prompt must be sent out of band, got %+v", model.requests[0])
	}
	if tokens := loop.TotalTokens(); tokens.Input != 100 || tokens.Output != 10 {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if loop.IsRunning() {
		t.Fatal("loop should not be running after completion")
	}
}

func TestLoopExecutesToolCalls(t *testing.T) {
	model := newScriptedModel(
		say("Checking.\n<devin>\n/echo text=\"ping\"\n</devin>"),
		say("Got ping."),
	)
	loop := newTestLoop(t, model, LoopConfig{})

	res, err := loop.Run(context.Background(), "ping it")
	if err != nil || res.State != StateCompleted || res.Iterations != 2 {
		t.Fatalf("unexpected result %+v %v", res, err)
	}

	var toolItems []models.TimelineItem
	for _, item := range loop.Timeline().Snapshot() {
		if item.Kind == models.TimelineToolCall {
			toolItems = append(toolItems, item)
		}
	}
	if len(toolItems) != 1 {
		t.Fatalf("expected one tool call item, got %d", len(toolItems))
	}
	tc := toolItems[0].ToolCall
	if tc.Call.ToolName != "echo" || tc.Result.Output != "ping" || tc.Call.ID == "" {
		t.Fatalf("unexpected tool call item %+v", tc)
	}

	second := model.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != models.RoleTool || last.Content != "ping" || last.ToolName != "echo" {
		t.Fatalf("expected tool result fed back, got %+v", last)
	}
}

func TestLoopFailedToolReportsError(t *testing.T) {
	model := newScriptedModel(
		say("<devin>\n/missing-tool\n</devin>"),
		say("Sorry."),
	)
	loop := newTestLoop(t, model, LoopConfig{})
	if _, err := loop.Run(context.Background(), "try"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var errItem *models.ErrorItem
	for _, item := range loop.Timeline().Snapshot() {
		if item.Kind == models.TimelineError {
			errItem = item.Error
		}
	}
	if errItem == nil || errItem.Kind != string(KindToolNotFound) {
		t.Fatalf("expected tool_not_found error item, got %+v", errItem)
	}
	msgs := model.requests[1].Messages
	if !strings.HasPrefix(msgs[len(msgs)-1].Content, "Error: Tool not found: missing-tool") {
		t.Fatalf("expected failure fed back to model, got %q", msgs[len(msgs)-1].Content)
	}
}

func TestLoopMaxIterations(t *testing.T) {
	model := newScriptedModel(
		say("<devin>\n/echo text=\"1\"\n</devin>"),
		say("<devin>\n/echo text=\"2\"\n</devin>"),
		say("never reached"),
	)
	loop := newTestLoop(t, model, LoopConfig{MaxIterations: 2})

	res, err := loop.Run(context.Background(), "loop")
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
	if res.State != StateFailed || res.Message != "reached max iterations: 2" {
		t.Fatalf("unexpected result %+v", res)
	}
	if model.requestCount() != 2 {
		t.Fatalf("expected 2 model requests, got %d", model.requestCount())
	}
	final := lastItem(t, loop)
	if final.Kind != models.TimelineTaskComplete || final.TaskComplete.Success {
		t.Fatalf("expected failed completion, got %+v", final)
	}
}

func TestLoopStopsRepeatedCalls(t *testing.T) {
	repeat := say("<devin>\n/echo text=\"same\"\n</devin>")
	model := newScriptedModel(repeat, repeat, repeat, repeat)
	loop := newTestLoop(t, model, LoopConfig{})

	res, err := loop.Run(context.Background(), "go")
	if !errors.Is(err, ErrRepeatedCalls) {
		t.Fatalf("expected ErrRepeatedCalls, got %v", err)
	}
	if res.Iterations != 2 || res.Message != RepeatedCallsMessage {
		t.Fatalf("unexpected result %+v", res)
	}
	var sawError bool
	for _, item := range loop.Timeline().Snapshot() {
		if item.Kind == models.TimelineError && item.Error.Kind == "repeated_tool_calls" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected repeated_tool_calls error item")
	}
}

func TestLoopModelError(t *testing.T) {
	model := newScriptedModel(scriptedTurn{chunks: []string{"partial"}, err: errors.New("overloaded")})
	loop := newTestLoop(t, model, LoopConfig{})

	res, err := loop.Run(context.Background(), "go")
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != PhaseStream {
		t.Fatalf("expected stream LoopError, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("unexpected state %s", res.State)
	}
	var errItem *models.ErrorItem
	for _, item := range loop.Timeline().Snapshot() {
		if item.Kind == models.TimelineError {
			errItem = item.Error
		}
	}
	if errItem == nil || errItem.Kind != string(KindModel) || !strings.Contains(errItem.Message, "overloaded") {
		t.Fatalf("unexpected error item %+v", errItem)
	}
}

func TestLoopForceStopDuringStream(t *testing.T) {
	model := newScriptedModel(scriptedTurn{chunks: []string{"Half an ans"}, block: true})
	loop := newTestLoop(t, model, LoopConfig{})

	if err := loop.Start(context.Background(), "long task"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.Start(context.Background(), "again"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	select {
	case <-model.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("model never started streaming")
	}
	loop.ForceStop()

	if loop.IsRunning() {
		t.Fatal("IsRunning must be false after ForceStop returns")
	}
	res := loop.Result()
	if res.State != StateCancelled || !errors.Is(res.Err, ErrCancelled) {
		t.Fatalf("unexpected result %+v", res)
	}

	var interrupted []models.TimelineItem
	for _, item := range loop.Timeline().Snapshot() {
		if item.Message != nil && item.Message.Interrupted {
			interrupted = append(interrupted, item)
		}
	}
	if len(interrupted) != 1 {
		t.Fatalf("expected exactly one interrupted message, got %d", len(interrupted))
	}
	final := lastItem(t, loop)
	if !final.Message.Interrupted || final.Message.Content != "Half an ans\n\n"+InterruptedMarker {
		t.Fatalf("unexpected final item %+v", final.Message)
	}
}

// assertSingleInterrupt checks a cancelled run ended with one interrupted
// message after an interrupted tool call item.
func assertSingleInterrupt(t *testing.T, loop *Loop) {
	t.Helper()
	if loop.IsRunning() {
		t.Fatal("IsRunning must be false after ForceStop returns")
	}
	if res := loop.Result(); res.State != StateCancelled || !errors.Is(res.Err, ErrCancelled) {
		t.Fatalf("unexpected result %+v", res)
	}
	items := loop.Timeline().Snapshot()
	var interrupted, toolItems int
	for _, item := range items {
		if item.Message != nil && item.Message.Interrupted {
			interrupted++
		}
		if item.ToolCall != nil {
			toolItems++
			if !item.ToolCall.Result.Interrupted() {
				t.Fatalf("expected an interrupted tool result, got %+v", item.ToolCall.Result)
			}
		}
	}
	if interrupted != 1 || toolItems != 1 {
		t.Fatalf("expected one interrupted message and one tool item, got %d and %d", interrupted, toolItems)
	}
	final := items[len(items)-1]
	if final.Message == nil || !final.Message.Interrupted || final.Message.Content != InterruptedMarker {
		t.Fatalf("unexpected final item %+v", final)
	}
}

func TestLoopForceStopDuringToolCall(t *testing.T) {
	started := make(chan struct{})
	slow := &fakeTool{name: "slow", exec: func(ctx context.Context, _ models.Params) (models.ToolResult, error) {
		close(started)
		<-ctx.Done()
		return models.ToolResult{}, ctx.Err()
	}}
	registry := NewRegistry()
	if err := registry.Register(slow); err != nil {
		t.Fatal(err)
	}
	model := newScriptedModel(say("<devin>\n/slow\n</devin>"), say("never reached"))
	loop := NewLoop(model, NewOrchestrator(registry, nil, OrchestratorConfig{}), LoopConfig{})

	if err := loop.Start(context.Background(), "wait"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	loop.ForceStop()

	assertSingleInterrupt(t, loop)
	if model.requestCount() != 1 {
		t.Fatalf("expected no further model turns, got %d requests", model.requestCount())
	}
}

func TestLoopForceStopDuringApproval(t *testing.T) {
	shell := &fakeTool{name: "shell"}
	orch, _ := newTestOrchestrator(t, policy.Rules{}, shell)
	approver := NewChannelApprover(0)
	model := newScriptedModel(say("<devin>\n/shell command=\"make deploy\"\n</devin>"), say("never reached"))
	loop := NewLoop(model, orch, LoopConfig{}, WithApprover(approver))

	if err := loop.Start(context.Background(), "deploy"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-approver.Requests():
	case <-time.After(5 * time.Second):
		t.Fatal("no approval request")
	}
	loop.ForceStop()

	assertSingleInterrupt(t, loop)
	if shell.calls != 0 {
		t.Fatalf("handler ran without approval, calls = %d", shell.calls)
	}
}

func TestLoopForceStopWhenIdle(t *testing.T) {
	loop := newTestLoop(t, newScriptedModel(), LoopConfig{})
	loop.ForceStop()
	if loop.State() != StateIdle {
		t.Fatalf("unexpected state %s", loop.State())
	}
}

func TestLoopStartValidation(t *testing.T) {
	if err := NewLoop(nil, nil, LoopConfig{}).Start(context.Background(), "x"); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
	if err := NewLoop(newScriptedModel(), nil, LoopConfig{}).Start(context.Background(), "x"); err == nil {
		t.Fatal("expected error without orchestrator")
	}
}

type taskRecorder struct {
	NopRenderer
	mu    sync.Mutex
	tasks [][]models.Task
}

func (r *taskRecorder) OnTasks(tasks []models.Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, tasks)
	r.mu.Unlock()
}

func TestLoopTaskBoundary(t *testing.T) {
	model := newScriptedModel(
		say("<devin>\n/task-boundary taskName=\"Refactor\" status=\"done\" summary=\"moved files\"\n</devin>"),
		say("Finished."),
	)
	renderer := &taskRecorder{}
	loop := newTestLoop(t, model, LoopConfig{}, WithRenderer(renderer))

	if _, err := loop.Run(context.Background(), "refactor"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tasks := loop.Tasks()
	if len(tasks) != 1 || tasks[0].Title != "Refactor" || tasks[0].Status != models.TaskCompleted || tasks[0].Summary != "moved files" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if len(renderer.tasks) != 1 {
		t.Fatalf("expected one task update, got %d", len(renderer.tasks))
	}
}

type stubCompressor struct {
	calls int
}

func (c *stubCompressor) TryCompressHistory(_ context.Context, messages []models.Message, _ bool) compaction.Result {
	c.calls++
	summary := models.Message{Role: models.RoleUser, Content: compaction.SummaryPrefix + "\nearlier work"}
	return compaction.Result{
		Status:         compaction.StatusSuccess,
		OriginalTokens: 100,
		NewTokens:      10,
		Messages:       append([]models.Message{summary}, messages[len(messages)-1]),
	}
}

func TestLoopCompressesHistory(t *testing.T) {
	model := newScriptedModel(
		say("<devin>\n/echo text=\"a\"\n</devin>"),
		say("Done."),
	)
	compressor := &stubCompressor{}
	loop := newTestLoop(t, model, LoopConfig{}, WithCompressor(compressor))

	if _, err := loop.Run(context.Background(), "work"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if compressor.calls != 1 {
		t.Fatalf("expected one compression attempt, got %d", compressor.calls)
	}
	var note string
	for _, item := range loop.Timeline().Snapshot() {
		if item.Message != nil && item.Message.Role == models.RoleSystem {
			note = item.Message.Content
		}
	}
	if note != "Conversation history compressed from 100 to 10 tokens" {
		t.Fatalf("unexpected compression note %q", note)
	}
	second := model.requests[1].Messages
	if len(second) != 2 || !strings.HasPrefix(second[0].Content, compaction.SummaryPrefix) {
		t.Fatalf("expected compressed history to be sent, got %+v", second)
	}
}

func TestLoopContinuesConversation(t *testing.T) {
	model := newScriptedModel(say("first answer"), say("second answer"))
	loop := newTestLoop(t, model, LoopConfig{})

	if _, err := loop.Run(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := loop.Run(context.Background(), "two"); err != nil {
		t.Fatal(err)
	}
	if got := len(model.requests[1].Messages); got != 3 {
		t.Fatalf("expected second run to see prior turns, got %d messages", got)
	}
}

func TestLoopAppliesUpdatedSystemPrompt(t *testing.T) {
	model := newScriptedModel(say("first"), say("second"))
	loop := newTestLoop(t, model, LoopConfig{SystemPrompt: "v1"})

	if _, err := loop.Run(context.Background(), "one"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	loop.SetSystemPrompt("v2")
	if _, err := loop.Run(context.Background(), "two"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	model.mu.Lock()
	defer model.mu.Unlock()
	if model.requests[0].System != "v1" || model.requests[1].System != "v2" {
		t.Fatalf("system prompts = %q, %q", model.requests[0].System, model.requests[1].System)
	}
	history := loop.History()
	if history[0].Role != models.RoleSystem || history[0].Content != "v2" {
		t.Fatalf("system message not replaced: %+v", history[0])
	}
}

type failingCompressor struct{ calls int }

func (c *failingCompressor) TryCompressHistory(context.Context, []models.Message, bool) compaction.Result {
	c.calls++
	return compaction.Result{Status: compaction.StatusFailed, Err: compaction.ErrNotSmaller}
}

func TestLoopKeepsHistoryWhenCompressionFails(t *testing.T) {
	model := newScriptedModel(
		say("<devin>\n/echo text=\"a\"\n</devin>"),
		say("Done."),
	)
	compressor := &failingCompressor{}
	loop := newTestLoop(t, model, LoopConfig{SystemPrompt: "sys"}, WithCompressor(compressor))

	res, err := loop.Run(context.Background(), "work")
	if err != nil || res.State != StateCompleted {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if compressor.calls != 1 {
		t.Fatalf("expected one compression attempt, got %d", compressor.calls)
	}
	for _, item := range loop.Timeline().Snapshot() {
		if item.Message != nil && strings.HasPrefix(item.Message.Content, "Conversation history compressed") {
			t.Fatalf("unexpected compression note %q", item.Message.Content)
		}
	}
	// user, assistant call, tool result
	if got := len(model.requests[1].Messages); got != 3 {
		t.Fatalf("expected full history on the second turn, got %d messages", got)
	}
}
