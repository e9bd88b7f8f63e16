package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/codeagent/pkg/models"
)

// Timeline is the append-only, ordered event log of one run. Items are
// broadcast to subscribers as they are appended; slow subscribers miss items
// rather than blocking the loop and can recover them from Snapshot.
type Timeline struct {
	mu          sync.RWMutex
	runID       string
	items       []models.TimelineItem
	seq         uint64
	subscribers map[chan models.TimelineItem]struct{}
	now         func() time.Time
}

// NewTimeline creates an empty timeline for a run.
func NewTimeline(runID string) *Timeline {
	return &Timeline{
		runID:       runID,
		subscribers: make(map[chan models.TimelineItem]struct{}),
		now:         time.Now,
	}
}

// Append stamps item with the next sequence number, id, run id and time,
// stores it and broadcasts it. The stamped item is returned.
func (t *Timeline) Append(item models.TimelineItem) models.TimelineItem {
	t.mu.Lock()
	t.seq++
	item.Seq = t.seq
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.RunID == "" {
		item.RunID = t.runID
	}
	if item.Time.IsZero() {
		item.Time = t.now()
	}
	t.items = append(t.items, item)
	for ch := range t.subscribers {
		select {
		case ch <- item:
		default:
		}
	}
	t.mu.Unlock()
	return item
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel.
func (t *Timeline) Subscribe(buffer int) (<-chan models.TimelineItem, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.TimelineItem, buffer)
	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, ch)
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Snapshot returns a copy of all items in order.
func (t *Timeline) Snapshot() []models.TimelineItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.TimelineItem, len(t.items))
	copy(out, t.items)
	return out
}

// Since returns a copy of the items with Seq greater than seq.
func (t *Timeline) Since(seq uint64) []models.TimelineItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if seq >= uint64(len(t.items)) {
		return nil
	}
	out := make([]models.TimelineItem, len(t.items)-int(seq))
	copy(out, t.items[seq:])
	return out
}

// Len returns the number of items.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// RunID returns the run this timeline belongs to.
func (t *Timeline) RunID() string {
	return t.runID
}
