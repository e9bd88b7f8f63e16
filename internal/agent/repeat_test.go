package agent

import (
	"testing"

	"github.com/haasonsaas/codeagent/pkg/models"
)

func TestRepeatGuard(t *testing.T) {
	readA := call("read-file", "path", "a.go")
	readB := call("read-file", "path", "b.go")
	shellA := call("shell", "command", "make")
	shellB := call("shell", "command", "make test")

	tests := []struct {
		name   string
		calls  []models.ToolCall
		stopAt int // index of the call that trips the guard, -1 for none
	}{
		{"shell stops on second identical call", []models.ToolCall{shellA, shellA}, 1},
		{"read-file stops on third identical call", []models.ToolCall{readA, readA, readA}, 2},
		{"alternating reads continue", []models.ToolCall{readA, readB, readA, readB, readA, readB}, -1},
		{"alternating shell stops within the window", []models.ToolCall{shellA, shellB, shellA}, 2},
		{"identical calls outside the window are forgotten", []models.ToolCall{shellA, readA, readB, shellB, shellA}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g repeatGuard
			got := -1
			for i, c := range tt.calls {
				if _, stop := g.observe([]models.ToolCall{c}); stop {
					got = i
					break
				}
			}
			if got != tt.stopAt {
				t.Fatalf("guard tripped at %d, want %d", got, tt.stopAt)
			}
		})
	}
}
