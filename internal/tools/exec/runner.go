package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/codeagent/internal/tools/files"
)

const (
	// DefaultTimeout bounds a command when the caller gives no timeout.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxOutput caps captured stdout and stderr, each.
	DefaultMaxOutput = 64000
)

// Request describes one command execution.
type Request struct {
	Command string
	// Dir is relative to the workspace root. Empty means the root.
	Dir     string
	Env     map[string]string
	Input   string
	Timeout time.Duration
}

// Result summarizes a finished command.
type Result struct {
	Command  string        `json:"command"`
	Dir      string        `json:"dir"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	// Truncated is set when either stream exceeded the output cap.
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Runner executes shell commands rooted in a workspace.
type Runner struct {
	resolver  files.Resolver
	shell     string
	maxOutput int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithShell overrides the shell binary. Default: /bin/sh.
func WithShell(path string) RunnerOption {
	return func(r *Runner) {
		if path != "" {
			r.shell = path
		}
	}
}

// WithMaxOutput overrides the per-stream output cap.
func WithMaxOutput(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// NewRunner creates a runner scoped to the workspace.
func NewRunner(workspace string, opts ...RunnerOption) *Runner {
	r := &Runner{
		resolver:  files.Resolver{Root: workspace},
		shell:     "/bin/sh",
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes req synchronously. A non-zero exit is reported in the
// result, not as an error. The returned error is set only when the command
// could not be started or ctx was cancelled.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Result{}, errors.New("command is required")
	}
	dir, err := r.resolver.ResolveDir(req.Dir)
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Result{}, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("working directory %s is not a directory", req.Dir)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	result := Result{
		Command:   command,
		Dir:       r.resolver.Rel(dir),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(runErr),
		Duration:  time.Since(start),
		Truncated: stdout.truncated() || stderr.truncated(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
	case runErr != nil && !isExitError(runErr):
		return result, fmt.Errorf("start command: %w", runErr)
	}
	return result, nil
}

type limitedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.dropped = b.dropped || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.dropped = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *limitedBuffer) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
