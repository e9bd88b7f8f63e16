package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

// Recorder is an agent.Renderer that persists timeline items in the
// background so the loop never waits on the database.
type Recorder struct {
	agent.NopRenderer

	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	items  chan models.TimelineItem
	done   chan struct{}
}

// NewRecorder starts a recorder writing into s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  s,
		logger: logger.With("component", "store"),
		items:  make(chan models.TimelineItem, 256),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for item := range r.items {
		if err := r.store.AppendItem(context.Background(), item); err != nil {
			r.logger.Warn("failed to persist timeline item", "run_id", item.RunID, "seq", item.Seq, "error", err)
		}
	}
}

// OnItem queues item for persistence. Items after Close are dropped.
func (r *Recorder) OnItem(item models.TimelineItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.items <- item
}

// Close flushes queued items. It returns ctx.Err() if the flush does not
// finish in time.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.items)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
