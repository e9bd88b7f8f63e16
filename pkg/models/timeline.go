package models

import "time"

// TimelineKind discriminates TimelineItem payloads.
type TimelineKind string

const (
	TimelineMessage         TimelineKind = "message"
	TimelineToolCall        TimelineKind = "tool_call"
	TimelineError           TimelineKind = "error"
	TimelineTaskComplete    TimelineKind = "task_complete"
	TimelineIterationHeader TimelineKind = "iteration"
)

// TimelineItem is one ordered presentation event of an agent run.
// Exactly one payload is set, matching Kind.
type TimelineItem struct {
	ID    string       `json:"id"`
	Seq   uint64       `json:"seq"`
	Kind  TimelineKind `json:"kind"`
	RunID string       `json:"run_id,omitempty"`
	Time  time.Time    `json:"time"`

	Message      *MessageItem      `json:"message,omitempty"`
	ToolCall     *ToolCallItem     `json:"tool_call,omitempty"`
	Error        *ErrorItem        `json:"error,omitempty"`
	TaskComplete *TaskCompleteItem `json:"task_complete,omitempty"`
	Iteration    *IterationItem    `json:"iteration,omitempty"`
}

// MessageItem is a conversation message shown on the timeline.
type MessageItem struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Interrupted marks the terminal message of a cancelled run.
	Interrupted bool `json:"interrupted,omitempty"`
}

// ToolCallItem records one executed tool call.
type ToolCallItem struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// ErrorItem is a user-visible error.
type ErrorItem struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TaskCompleteItem is emitted when the loop finishes.
type TaskCompleteItem struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Iterations int    `json:"iterations"`
}

// IterationItem marks the start of a loop iteration.
type IterationItem struct {
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`
}
