package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the progress state of a task or step.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskBlocked    TaskStatus = "BLOCKED"
)

// ParseTaskStatus accepts the canonical names case-insensitively, plus a few
// spellings models commonly produce ("in progress", "done", "working").
func ParseTaskStatus(s string) (TaskStatus, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	switch norm {
	case "TODO", "PENDING", "PLANNING":
		return TaskTodo, nil
	case "IN_PROGRESS", "WORKING", "ACTIVE":
		return TaskInProgress, nil
	case "COMPLETED", "COMPLETE", "DONE":
		return TaskCompleted, nil
	case "FAILED", "FAIL", "ERROR":
		return TaskFailed, nil
	case "BLOCKED":
		return TaskBlocked, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether no further progress is expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskStep is one step within a task.
type TaskStep struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// Task tracks progress the model reports through task-boundary calls.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Summary   string     `json:"summary,omitempty"`
	Steps     []TaskStep `json:"steps,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
