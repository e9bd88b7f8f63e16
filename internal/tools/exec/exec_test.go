package exec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/internal/tools/files"
	"github.com/haasonsaas/codeagent/pkg/models"
)

func TestShellToolRunsCommand(t *testing.T) {
	tool := NewShellTool(NewRunner(t.TempDir()))
	res, err := tool.Execute(context.Background(), models.NewParams("command", "echo hello"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if res.Output != "hello" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	if res.Metadata["exit_code"] != 0 || res.Metadata["cwd"] != "." {
		t.Fatalf("unexpected metadata %v", res.Metadata)
	}
}

func TestShellToolResults(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := NewShellTool(NewRunner(root), WithEnv(map[string]string{"GREETING": "hi"}))

	tests := []struct {
		name        string
		params      models.Params
		wantSuccess bool
		wantOutput  string
		wantError   string
	}{
		{
			name:        "stderr and exit code",
			params:      models.NewParams("command", "echo out; echo err >&2; exit 3"),
			wantSuccess: false,
			wantOutput:  "out\n[stderr]\nerr",
			wantError:   "command exited with code 3",
		},
		{
			name:        "working directory",
			params:      models.NewParams("command", "basename \"$PWD\"", "workingDirectory", "sub"),
			wantSuccess: true,
			wantOutput:  "sub",
		},
		{
			name:        "env",
			params:      models.NewParams("command", "echo $GREETING"),
			wantSuccess: true,
			wantOutput:  "hi",
		},
		{
			name:        "no output",
			params:      models.NewParams("command", "true"),
			wantSuccess: true,
			wantOutput:  "(no output, exit code 0)",
		},
		{
			name:      "escape",
			params:    models.NewParams("command", "ls", "workingDirectory", "../.."),
			wantError: files.ErrEscapesWorkspace.Error(),
		},
		{
			name:      "missing command",
			params:    models.NewParams("description", "nothing"),
			wantError: "command is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Execute(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if res.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (%+v)", res.Success, tt.wantSuccess, res)
			}
			if tt.wantOutput != "" && res.Output != tt.wantOutput {
				t.Fatalf("Output = %q, want %q", res.Output, tt.wantOutput)
			}
			if tt.wantError != "" && !strings.Contains(res.Error, tt.wantError) {
				t.Fatalf("Error = %q, want %q", res.Error, tt.wantError)
			}
		})
	}
}

func TestShellToolTimeout(t *testing.T) {
	tool := NewShellTool(NewRunner(t.TempDir()))
	start := time.Now()
	res, err := tool.Execute(context.Background(), models.NewParams("command", "sleep 5", "timeoutMs", 100))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout was not enforced")
	}
	if res.Success || res.Metadata["timed_out"] != true || res.Metadata["error_kind"] != string(agent.KindTimeout) {
		t.Fatalf("expected timeout result, got %+v", res)
	}
}

func TestRunnerCancellation(t *testing.T) {
	runner := NewRunner(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := runner.Run(ctx, Request{Command: "echo started; sleep 5"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Fatalf("expected partial output, got %q", res.Stdout)
	}
}

func TestRunnerOutputLimit(t *testing.T) {
	runner := NewRunner(t.TempDir(), WithMaxOutput(5))
	res, err := runner.Run(context.Background(), Request{Command: "printf 0123456789", Input: ""})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "01234" || !res.Truncated {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := formatOutput(res); got != "01234\n[output truncated]" {
		t.Fatalf("formatOutput = %q", got)
	}
}

func TestRunnerStdin(t *testing.T) {
	runner := NewRunner(t.TempDir())
	res, err := runner.Run(context.Background(), Request{Command: "cat", Input: "piped"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "piped" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestShellToolRegisters(t *testing.T) {
	registry := agent.NewRegistry()
	if err := registry.Register(NewShellTool(NewRunner(t.TempDir()))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, desc, ok := registry.Resolve(ToolName)
	if !ok {
		t.Fatal("shell not registered")
	}
	if _, err := registry.Validate(desc, models.NewParams("description", "x")); err == nil {
		t.Fatal("command should be required")
	}
	params, err := registry.Validate(desc, models.NewParams("command", "ls", "timeoutMs", "250"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v, _ := params.Get("timeoutMs"); v != int64(250) {
		t.Fatalf("timeoutMs = %#v", v)
	}
}
