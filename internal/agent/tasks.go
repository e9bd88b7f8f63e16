package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// TaskBoundaryTool is the reserved tool name the model uses to report progress.
const TaskBoundaryTool = "task-boundary"

// TaskList holds the tasks reported during a run, in first-report order.
type TaskList struct {
	mu    sync.RWMutex
	tasks []models.Task
	now   func() time.Time
}

// NewTaskList creates an empty task list.
func NewTaskList() *TaskList {
	return &TaskList{now: time.Now}
}

// Upsert updates the task named title or appends a new one.
func (l *TaskList) Upsert(title string, status models.TaskStatus, summary string) models.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].Title == title {
			l.tasks[i].Status = status
			l.tasks[i].Summary = summary
			l.tasks[i].UpdatedAt = l.now()
			return cloneTask(l.tasks[i])
		}
	}
	task := models.Task{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    status,
		Summary:   summary,
		UpdatedAt: l.now(),
	}
	l.tasks = append(l.tasks, task)
	return cloneTask(task)
}

// Snapshot returns a copy of the tasks.
func (l *TaskList) Snapshot() []models.Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Task, len(l.tasks))
	for i, t := range l.tasks {
		out[i] = cloneTask(t)
	}
	return out
}

func cloneTask(t models.Task) models.Task {
	if t.Steps != nil {
		t.Steps = append([]models.TaskStep(nil), t.Steps...)
	}
	return t
}

type taskBoundary struct {
	list     *TaskList
	onChange func([]models.Task)
}

// NewTaskBoundaryTool returns the task-boundary tool writing into list.
// onChange, if set, receives a snapshot after every update.
func NewTaskBoundaryTool(list *TaskList, onChange func([]models.Task)) Tool {
	return &taskBoundary{list: list, onChange: onChange}
}

func (t *taskBoundary) Name() string { return TaskBoundaryTool }

func (t *taskBoundary) Description() string {
	return "Report progress on a task. Creates the task on first use and updates its status and summary afterwards."
}

func (t *taskBoundary) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "taskName": {"type": "string", "description": "Stable name identifying the task"},
    "status": {"type": "string", "description": "TODO, IN_PROGRESS, COMPLETED, FAILED or BLOCKED"},
    "summary": {"type": "string", "description": "Short description of the current progress"}
  },
  "required": ["taskName"]
}`)
}

func (t *taskBoundary) Execute(ctx context.Context, params models.Params) (models.ToolResult, error) {
	name := strings.TrimSpace(params.String("taskName"))
	if name == "" {
		return models.ToolResult{
			Error:    "taskName is required",
			Metadata: map[string]any{"error_kind": string(KindInvalidInput)},
		}, nil
	}
	status := models.TaskInProgress
	if raw := params.String("status"); raw != "" {
		parsed, err := models.ParseTaskStatus(raw)
		if err != nil {
			return models.ToolResult{
				Error:    err.Error(),
				Metadata: map[string]any{"error_kind": string(KindInvalidInput)},
			}, nil
		}
		status = parsed
	}
	task := t.list.Upsert(name, status, params.String("summary"))
	if t.onChange != nil {
		t.onChange(t.list.Snapshot())
	}
	return models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("Task %q is %s", task.Title, task.Status),
		Metadata: map[string]any{
			"task_id": task.ID,
		},
	}, nil
}
