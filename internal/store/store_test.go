package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/codeagent/pkg/models"
)

func setupMockDB(t *testing.T, d dialect) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return mock, &SQLStore{db: db, dialect: d}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: dialectPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	lite := &SQLStore{dialect: dialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

func TestCreateRun(t *testing.T) {
	started := time.UnixMilli(1700000000000)
	tests := []struct {
		name        string
		run         *Run
		setupMock   func(sqlmock.Sqlmock)
		errContains string
	}{
		{
			name: "successful create",
			run:  &Run{ID: "run-1", Task: "fix tests", Model: "m", Workspace: "/w", State: "running", StartedAt: started},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).
					WithArgs("run-1", "fix tests", "m", "/w", "running", started.UnixMilli()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:        "missing id",
			run:         &Run{Task: "x"},
			setupMock:   func(sqlmock.Sqlmock) {},
			errContains: "run id is required",
		},
		{
			name: "database error",
			run:  &Run{ID: "run-1", State: "running", StartedAt: started},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("connection refused"))
			},
			errContains: "create run",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, s := setupMockDB(t, dialectPostgres)
			tt.setupMock(mock)
			err := s.CreateRun(context.Background(), tt.run)
			if tt.errContains == "" && err != nil {
				t.Fatalf("CreateRun() error = %v", err)
			}
			if tt.errContains != "" && (err == nil || !strings.Contains(err.Error(), tt.errContains)) {
				t.Fatalf("CreateRun() error = %v, want %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestFinishRunNotFound(t *testing.T) {
	mock, s := setupMockDB(t, dialectPostgres)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.FinishRun(context.Background(), &Run{ID: "missing", State: "completed"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("FinishRun() error = %v, want ErrNotFound", err)
	}
}

func TestGetRunUsesPostgresPlaceholders(t *testing.T) {
	mock, s := setupMockDB(t, dialectPostgres)
	rows := sqlmock.NewRows([]string{"id", "task", "model", "workspace", "state", "iterations", "message",
		"input_tokens", "output_tokens", "total_tokens", "started_at", "finished_at"}).
		AddRow("run-1", "task", "m", "/w", "completed", 3, "done", 10, 5, 15, int64(1000), int64(2000))
	mock.ExpectQuery(regexp.QuoteMeta("FROM runs WHERE id = $1")).WithArgs("run-1").WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Iterations != 3 || run.Tokens.Total != 15 || !run.FinishedAt.Equal(time.UnixMilli(2000)) {
		t.Fatalf("unexpected run %+v", run)
	}

	mock.ExpectQuery("FROM runs WHERE id").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := s.GetRun(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "nested", "runs.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	for i, id := range []string{"run-a", "run-b"} {
		run := &Run{ID: id, Task: "task " + id, State: "running", StartedAt: time.UnixMilli(int64(1000 * (i + 1)))}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", id, err)
		}
	}
	finished := &Run{ID: "run-a", State: "completed", Iterations: 2, Message: "ok", Tokens: models.TokenInfo{Total: 9, Input: 6, Output: 3}}
	if err := s.FinishRun(ctx, finished); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" || runs[1].State != "completed" || runs[1].Tokens.Input != 6 {
		t.Fatalf("unexpected runs %+v", runs)
	}

	items := []models.TimelineItem{
		{ID: "i1", Seq: 1, RunID: "run-a", Kind: models.TimelineIterationHeader, Time: time.Now(),
			Iteration: &models.IterationItem{Iteration: 1, MaxIterations: 30}},
		{ID: "i2", Seq: 2, RunID: "run-a", Kind: models.TimelineToolCall, Time: time.Now(),
			ToolCall: &models.ToolCallItem{
				Call:   models.ToolCall{ID: "c1", ToolName: "read-file", Params: models.NewParams("path", "go.mod")},
				Result: models.ToolResult{Success: true, Output: "module x"},
			}},
	}
	for _, item := range items {
		if err := s.AppendItem(ctx, item); err != nil {
			t.Fatalf("AppendItem() error = %v", err)
		}
	}
	got, err := s.Items(ctx, "run-a")
	if err != nil {
		t.Fatalf("Items() error = %v", err)
	}
	if len(got) != 2 || got[1].ToolCall == nil || got[1].ToolCall.Call.Params.String("path") != "go.mod" {
		t.Fatalf("unexpected items %+v", got)
	}
	if err := s.AppendItem(ctx, items[0]); err == nil {
		t.Fatal("duplicate sequence should be rejected")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}); err == nil {
		t.Fatal("expected dsn error")
	}
}

type memoryStore struct {
	Store
	mu    sync.Mutex
	items []models.TimelineItem
}

func (m *memoryStore) AppendItem(_ context.Context, item models.TimelineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

func TestRecorderFlushesOnClose(t *testing.T) {
	mem := &memoryStore{}
	rec := NewRecorder(mem, nil)
	for i := 1; i <= 100; i++ {
		rec.OnItem(models.TimelineItem{RunID: "r", Seq: uint64(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rec.OnItem(models.TimelineItem{RunID: "r", Seq: 101})

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.items) != 100 || mem.items[99].Seq != 100 {
		t.Fatalf("recorded %d items", len(mem.items))
	}
}
