package agent

import (
	"context"
	"testing"

	"github.com/haasonsaas/codeagent/pkg/models"
)

func TestTimelineAppendStampsItems(t *testing.T) {
	tl := NewTimeline("run-1")
	first := tl.Append(models.TimelineItem{Kind: models.TimelineMessage, Message: &models.MessageItem{Content: "a"}})
	second := tl.Append(models.TimelineItem{Kind: models.TimelineMessage, Message: &models.MessageItem{Content: "b"}})

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("unexpected sequence numbers %d %d", first.Seq, second.Seq)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatal("items need distinct ids")
	}
	if first.RunID != "run-1" || first.Time.IsZero() {
		t.Fatalf("unexpected stamping %+v", first)
	}
	if tl.Len() != 2 {
		t.Fatalf("Len() = %d", tl.Len())
	}

	since := tl.Since(1)
	if len(since) != 1 || since[0].Message.Content != "b" {
		t.Fatalf("Since(1) = %+v", since)
	}
	if tl.Since(2) != nil {
		t.Fatal("Since(last) should be empty")
	}
}

func TestTimelineSubscribe(t *testing.T) {
	tl := NewTimeline("run")
	ch, cancel := tl.Subscribe(4)

	tl.Append(models.TimelineItem{Kind: models.TimelineError, Error: &models.ErrorItem{Kind: "x"}})
	item := <-ch
	if item.Kind != models.TimelineError || item.Seq != 1 {
		t.Fatalf("unexpected item %+v", item)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	tl.Append(models.TimelineItem{Kind: models.TimelineMessage})
}

func TestTimelineSlowSubscriberDoesNotBlock(t *testing.T) {
	tl := NewTimeline("run")
	_, cancel := tl.Subscribe(1)
	defer cancel()
	for i := 0; i < 10; i++ {
		tl.Append(models.TimelineItem{Kind: models.TimelineMessage})
	}
	if tl.Len() != 10 {
		t.Fatalf("Len() = %d", tl.Len())
	}
}

func TestTaskBoundaryTool(t *testing.T) {
	list := NewTaskList()
	var updates int
	tool := NewTaskBoundaryTool(list, func([]models.Task) { updates++ })

	res, err := tool.Execute(context.Background(), models.NewParams("taskName", "Build"))
	if err != nil || !res.Success {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if res.Output != `Task "Build" is IN_PROGRESS` {
		t.Fatalf("unexpected output %q", res.Output)
	}

	res, _ = tool.Execute(context.Background(), models.NewParams("taskName", "Build", "status", "completed"))
	if !res.Success {
		t.Fatalf("unexpected failure %+v", res)
	}
	tasks := list.Snapshot()
	if len(tasks) != 1 || tasks[0].Status != models.TaskCompleted {
		t.Fatalf("expected one completed task, got %+v", tasks)
	}

	res, _ = tool.Execute(context.Background(), models.NewParams("taskName", "Build", "status", "sideways"))
	if res.Success || res.Metadata["error_kind"] != string(KindInvalidInput) {
		t.Fatalf("expected invalid status failure, got %+v", res)
	}
	res, _ = tool.Execute(context.Background(), models.NewParams())
	if res.Success {
		t.Fatal("expected failure without taskName")
	}
	if updates != 2 {
		t.Fatalf("expected 2 updates, got %d", updates)
	}
}
