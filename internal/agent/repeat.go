package agent

import "github.com/haasonsaas/codeagent/pkg/models"

const (
	// repeatHistory is how many call signatures a run remembers.
	repeatHistory = 10
	// repeatWindow is how many of the latest calls are compared.
	repeatWindow = 3
)

// repeatGuard detects a model stuck issuing the same call.
type repeatGuard struct {
	recent []string
}

// repeatLimit is how many identical calls within the window stop the run.
func repeatLimit(tool string) int {
	switch tool {
	case "read-file", "write-file":
		return 3
	}
	return 2
}

// observe records calls and returns the first call whose signature reaches
// its limit among the latest repeatWindow calls.
func (g *repeatGuard) observe(calls []models.ToolCall) (models.ToolCall, bool) {
	for _, call := range calls {
		sig := call.Signature()
		g.recent = append(g.recent, sig)
		if len(g.recent) > repeatHistory {
			g.recent = g.recent[len(g.recent)-repeatHistory:]
		}
		window := g.recent
		if len(window) > repeatWindow {
			window = window[len(window)-repeatWindow:]
		}
		count := 0
		for _, s := range window {
			if s == sig {
				count++
			}
		}
		if count >= repeatLimit(call.ToolName) {
			return call, true
		}
	}
	return models.ToolCall{}, false
}
