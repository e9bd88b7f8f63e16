package agent

import "github.com/haasonsaas/codeagent/pkg/models"

// Renderer presents a run as it happens. Calls come from the loop goroutine
// in action order and must not block for long.
type Renderer interface {
	// OnChunk receives streamed model text.
	OnChunk(text string)
	// OnItem receives every timeline item after it is appended.
	OnItem(item models.TimelineItem)
	// OnTokens receives token usage after each model turn.
	OnTokens(latest, total models.TokenInfo)
	// OnTasks receives the task list after it changes.
	OnTasks(tasks []models.Task)
}

// NopRenderer ignores everything.
type NopRenderer struct{}

func (NopRenderer) OnChunk(string)                              {}
func (NopRenderer) OnItem(models.TimelineItem)                  {}
func (NopRenderer) OnTokens(models.TokenInfo, models.TokenInfo) {}
func (NopRenderer) OnTasks([]models.Task)                       {}

// MultiRenderer fans out to several renderers in order.
type MultiRenderer []Renderer

func (m MultiRenderer) OnChunk(text string) {
	for _, r := range m {
		r.OnChunk(text)
	}
}

func (m MultiRenderer) OnItem(item models.TimelineItem) {
	for _, r := range m {
		r.OnItem(item)
	}
}

func (m MultiRenderer) OnTokens(latest, total models.TokenInfo) {
	for _, r := range m {
		r.OnTokens(latest, total)
	}
}

func (m MultiRenderer) OnTasks(tasks []models.Task) {
	for _, r := range m {
		r.OnTasks(tasks)
	}
}
