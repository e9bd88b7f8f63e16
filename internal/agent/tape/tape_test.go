package tape

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

func TestTapeSaveLoad(t *testing.T) {
	tp := FromTexts("hello", "world")
	tp.Turns[1].Tokens = &models.TokenInfo{Input: 10, Output: 2}

	path := filepath.Join(t.TempDir(), "run.tape.json")
	if err := tp.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(loaded.Turns))
	}
	turn, ok := loaded.Turn(1)
	if !ok || turn.Text != "world" || turn.Index != 1 {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if turn.Tokens == nil || turn.Tokens.Output != 2 {
		t.Fatalf("expected tokens to round-trip, got %+v", turn.Tokens)
	}
}

func TestUnmarshalRejectsMissingVersion(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"turns":[]}`)); err == nil {
		t.Fatal("expected error for tape without version")
	}
}

func TestReplayerExhausts(t *testing.T) {
	r := NewReplayer(FromTexts("only"))
	text, _, err := agent.Complete(context.Background(), r, &agent.CompletionRequest{})
	if err != nil || text != "only" {
		t.Fatalf("expected replayed text, got %q, %v", text, err)
	}
	if _, err := r.Stream(context.Background(), &agent.CompletionRequest{}); !errors.Is(err, ErrTapeExhausted) {
		t.Fatalf("expected ErrTapeExhausted, got %v", err)
	}
}

func TestReplayerRecordedError(t *testing.T) {
	tp := New()
	tp.AddTurn(Turn{Chunks: []string{"partial"}, Error: "overloaded"})
	_, _, err := agent.Complete(context.Background(), NewReplayer(tp), &agent.CompletionRequest{})
	if err == nil || err.Error() != "overloaded" {
		t.Fatalf("expected recorded error, got %v", err)
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	source := NewReplayer(FromTexts("first", "second"))
	rec := NewRecorder(source, "test-model")

	for _, want := range []string{"first", "second"} {
		got, _, err := agent.Complete(context.Background(), rec, &agent.CompletionRequest{
			Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		})
		if err != nil || got != want {
			t.Fatalf("expected %q, got %q (%v)", want, got, err)
		}
	}

	recorded := rec.Tape()
	if recorded.Model != "test-model" || recorded.Provider != "replay" {
		t.Fatalf("unexpected tape header %+v", recorded)
	}
	if len(recorded.Turns) != 2 || recorded.Turns[1].Text != "second" || recorded.Turns[0].MessageCount != 1 {
		t.Fatalf("unexpected turns %+v", recorded.Turns)
	}
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "Echo the text parameter" }
func (echoTool) Schema() json.RawMessage { return nil }

func (echoTool) Execute(_ context.Context, params models.Params) (models.ToolResult, error) {
	return models.ToolResult{Success: true, Output: params.String("text")}, nil
}

func TestReplayDrivesLoop(t *testing.T) {
	registry := agent.NewRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	orch := agent.NewOrchestrator(registry, nil, agent.OrchestratorConfig{})
	replayer := NewReplayer(FromTexts(
		"Let me check.\n<devin>\n/echo text=\"ping\"\n</devin>",
		"The tool said ping. Done.",
	))
	loop := agent.NewLoop(replayer, orch, agent.LoopConfig{SystemPrompt: "sys"})

	res, err := loop.Run(context.Background(), "say ping")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != agent.StateCompleted || res.Iterations != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	history := loop.History()
	var toolMsg *models.Message
	for i := range history {
		if history[i].Role == models.RoleTool {
			toolMsg = &history[i]
		}
	}
	if toolMsg == nil || toolMsg.Content != "ping" || toolMsg.ToolName != "echo" {
		t.Fatalf("expected echo tool message, got %+v", toolMsg)
	}
	reqs := replayer.Requests()
	if len(reqs) != 2 || reqs[0].System != "sys" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	if replayer.Remaining() != 0 {
		t.Fatalf("expected tape fully consumed, %d left", replayer.Remaining())
	}
}
