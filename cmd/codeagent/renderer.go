package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// terminalRenderer prints a run as plain text: streamed model output, one
// line per tool call and a closing status line.
type terminalRenderer struct {
	agent.NopRenderer

	mu      sync.Mutex
	out     io.Writer
	verbose bool
	// midLine is set while streamed text has not ended with a newline.
	midLine bool
}

func newTerminalRenderer(out io.Writer, verbose bool) *terminalRenderer {
	return &terminalRenderer{out: out, verbose: verbose}
}

func (r *terminalRenderer) OnChunk(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, text)
	r.midLine = !strings.HasSuffix(text, "\n")
}

func (r *terminalRenderer) OnItem(item models.TimelineItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch item.Kind {
	case models.TimelineIterationHeader:
		if r.verbose && item.Iteration != nil {
			r.linef("── iteration %d/%d ──", item.Iteration.Iteration, item.Iteration.MaxIterations)
		}
	case models.TimelineToolCall:
		if item.ToolCall == nil {
			return
		}
		res := item.ToolCall.Result
		status := "ok"
		switch {
		case res.Interrupted():
			status = "interrupted"
		case !res.Success:
			status = "failed: " + truncateDetail(res.Error)
		}
		r.linef("→ %s (%s)", callSummary(item.ToolCall.Call), status)
	case models.TimelineMessage:
		if item.Message != nil && item.Message.Interrupted {
			r.linef("%s", agent.InterruptedMarker)
		}
	case models.TimelineError:
		if item.Error != nil {
			r.linef("error [%s]: %s", item.Error.Kind, item.Error.Message)
		}
	case models.TimelineTaskComplete:
		if c := item.TaskComplete; c != nil {
			outcome := "completed"
			if !c.Success {
				outcome = "stopped"
			}
			r.linef("■ %s after %d iteration(s)", outcome, c.Iterations)
		}
	}
}

func (r *terminalRenderer) OnTokens(latest, total models.TokenInfo) {
	if !r.verbose {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linef("tokens: +%d in / +%d out (total %d)", latest.Input, latest.Output, total.Total)
}

func (r *terminalRenderer) OnTasks(tasks []models.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		r.linef("[%s] %s", t.Status, t.Title)
	}
}

// prompt writes an approval question on its own line.
func (r *terminalRenderer) prompt(req agent.ApprovalRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linef("? approve %s (%s) [y/N] ", callSummary(req.Call), req.Reason)
}

// linef starts a new line if streamed text left the cursor mid-line.
func (r *terminalRenderer) linef(format string, args ...any) {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	line := fmt.Sprintf(format, args...)
	if strings.HasSuffix(line, " ") {
		fmt.Fprint(r.out, line)
		return
	}
	fmt.Fprintln(r.out, line)
}
