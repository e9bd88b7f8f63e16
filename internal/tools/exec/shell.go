// Package exec provides the shell tool and the workspace-rooted command
// runner behind it.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// ToolName is the registered name of the shell tool.
const ToolName = "shell"

type shellParams struct {
	Command          string `json:"command" jsonschema:"description=Shell command to run with sh -c."`
	WorkingDirectory string `json:"workingDirectory,omitempty" jsonschema:"description=Directory relative to the workspace root."`
	TimeoutMs        int    `json:"timeoutMs,omitempty" jsonschema:"minimum=1,description=Timeout in milliseconds (default 60000)."`
	Description      string `json:"description,omitempty" jsonschema:"description=Short note on what the command does."`
}

// ShellTool runs commands through a Runner.
type ShellTool struct {
	runner  *Runner
	timeout time.Duration
	env     map[string]string
}

// ShellOption configures a ShellTool.
type ShellOption func(*ShellTool)

// WithDefaultTimeout sets the timeout used when a call gives none.
func WithDefaultTimeout(d time.Duration) ShellOption {
	return func(t *ShellTool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithEnv adds environment variables to every command.
func WithEnv(env map[string]string) ShellOption {
	return func(t *ShellTool) { t.env = env }
}

// NewShellTool creates the shell tool.
func NewShellTool(runner *Runner, opts ...ShellOption) *ShellTool {
	t := &ShellTool{runner: runner, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ShellTool) Name() string { return ToolName }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return stdout, stderr and the exit code."
}

func (t *ShellTool) Schema() json.RawMessage {
	r := &jsonschema.Reflector{DoNotReference: true, AllowAdditionalProperties: true}
	s := r.Reflect(new(shellParams))
	s.Version = ""
	payload, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
	}
	return payload
}

// Execute runs the command. A non-zero exit yields a failed result that
// still carries the command output.
func (t *ShellTool) Execute(ctx context.Context, params models.Params) (models.ToolResult, error) {
	if t.runner == nil {
		return toolError("shell runner unavailable", agent.KindToolExecution), nil
	}
	var input shellParams
	data, err := json.Marshal(params)
	if err == nil {
		err = json.Unmarshal(data, &input)
	}
	if err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err), agent.KindInvalidInput), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return toolError("command is required", agent.KindInvalidInput), nil
	}

	timeout := t.timeout
	if input.TimeoutMs > 0 {
		timeout = time.Duration(input.TimeoutMs) * time.Millisecond
	}
	result, err := t.runner.Run(ctx, Request{
		Command: input.Command,
		Dir:     input.WorkingDirectory,
		Env:     t.env,
		Timeout: timeout,
	})
	if err != nil {
		res := toolError(err.Error(), agent.KindToolExecution)
		res.Output = formatOutput(result)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, nil
	}

	res := models.ToolResult{
		Success: result.ExitCode == 0 && !result.TimedOut,
		Output:  formatOutput(result),
		Metadata: map[string]any{
			"exit_code":   result.ExitCode,
			"cwd":         result.Dir,
			"duration_ms": result.Duration.Milliseconds(),
			"timed_out":   result.TimedOut,
			"truncated":   result.Truncated,
		},
	}
	switch {
	case result.TimedOut:
		res.Error = fmt.Sprintf("command timed out after %v", timeout)
		res.Metadata["error_kind"] = string(agent.KindTimeout)
	case result.ExitCode != 0:
		res.Error = fmt.Sprintf("command exited with code %d", result.ExitCode)
	}
	return res, nil
}

func formatOutput(r Result) string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("[stderr]\n")
		b.WriteString(r.Stderr)
	}
	if r.Truncated {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("[output truncated]")
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "" && r.Command != "" {
		out = fmt.Sprintf("(no output, exit code %d)", r.ExitCode)
	}
	return out
}

func toolError(message string, kind agent.ErrorKind) models.ToolResult {
	return models.ToolResult{
		Success:  false,
		Error:    message,
		Metadata: map[string]any{"error_kind": string(kind)},
	}
}
