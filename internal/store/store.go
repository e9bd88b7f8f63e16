// Package store persists agent runs and their timelines in SQLite or
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is the persisted summary of one agent run.
type Run struct {
	ID         string           `json:"id"`
	Task       string           `json:"task"`
	Model      string           `json:"model,omitempty"`
	Workspace  string           `json:"workspace,omitempty"`
	State      string           `json:"state"`
	Iterations int              `json:"iterations"`
	Message    string           `json:"message,omitempty"`
	Tokens     models.TokenInfo `json:"tokens"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
}

// Store is the run persistence API.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	AppendItem(ctx context.Context, item models.TimelineItem) error
	Items(ctx context.Context, runID string) ([]models.TimelineItem, error)
	Close() error
}

// Config selects the database.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.DSN); cfg.DSN != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", cfg.DSN)
		d = dialectSQLite
		if err == nil {
			// SQLite allows one writer at a time.
			db.SetMaxOpenConns(1)
		}
	case "postgres", "postgresql":
		db, err = sql.Open("postgres", cfg.DSN)
		d = dialectPostgres
		if err == nil {
			if cfg.MaxOpenConns > 0 {
				db.SetMaxOpenConns(cfg.MaxOpenConns)
			}
			if cfg.ConnMaxLifetime > 0 {
				db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		workspace TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		started_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS timeline_items (
		run_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs (started_at)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRun inserts a run. StartedAt defaults to now.
func (s *SQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return errors.New("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, task, model, workspace, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), run.ID, run.Task, run.Model, run.Workspace, run.State, run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run. FinishedAt defaults to now.
func (s *SQLStore) FinishRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return errors.New("run id is required")
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs
		SET state = ?, iterations = ?, message = ?,
			input_tokens = ?, output_tokens = ?, total_tokens = ?, finished_at = ?
		WHERE id = ?
	`),
		run.State, run.Iterations, run.Message,
		run.Tokens.Input, run.Tokens.Output, run.Tokens.Total, run.FinishedAt.UnixMilli(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, task, model, workspace, state, iterations, message,
	input_tokens, output_tokens, total_tokens, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run               Run
		started, finished int64
	)
	err := row.Scan(&run.ID, &run.Task, &run.Model, &run.Workspace, &run.State, &run.Iterations, &run.Message,
		&run.Tokens.Input, &run.Tokens.Output, &run.Tokens.Total, &started, &finished)
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		run.FinishedAt = time.UnixMilli(finished)
	}
	return &run, nil
}

// GetRun returns one run.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A non-positive limit means 50.
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// AppendItem stores one timeline item under item.RunID.
func (s *SQLStore) AppendItem(ctx context.Context, item models.TimelineItem) error {
	if item.RunID == "" {
		return errors.New("timeline item has no run id")
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO timeline_items (run_id, seq, id, kind, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`), item.RunID, int64(item.Seq), item.ID, string(item.Kind), item.Time.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("append item: %w", err)
	}
	return nil
}

// Items returns the timeline of a run in sequence order.
func (s *SQLStore) Items(ctx context.Context, runID string) ([]models.TimelineItem, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT payload FROM timeline_items WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []models.TimelineItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var item models.TimelineItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}
