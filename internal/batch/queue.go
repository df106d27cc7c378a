// Package batch coalesces high-frequency item writes into periodic bulk
// flushes to the durable store. A streaming answer can mutate the same item
// dozens of times per second; only the latest version of each item matters,
// so the queue keeps one pending entry per id and writes the survivors once
// per flush interval.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loomchat/engine/internal/model"
)

// DefaultFlushInterval is the coalescing window for queued writes.
const DefaultFlushInterval = 100 * time.Millisecond

// ItemWriter is the slice of the repository the queue needs.
// repository.Repository satisfies it.
type ItemWriter interface {
	UpsertItem(ctx context.Context, item *model.ThreadItem) error
	BulkUpsertItems(ctx context.Context, items []model.ThreadItem) error
}

// Queue buffers item upserts and flushes them in bulk. All methods are safe
// for concurrent use. Failures are logged and swallowed: durable persistence
// is best-effort and in-memory state stays authoritative for the session.
type Queue struct {
	writer   ItemWriter
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]model.ThreadItem
	timer   *time.Timer
	closed  bool
}

func NewQueue(writer ItemWriter, interval time.Duration, log *slog.Logger) *Queue {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		writer:   writer,
		interval: interval,
		log:      log,
		pending:  make(map[string]model.ThreadItem),
	}
}

// Enqueue records the latest version of an item (last write wins per id) and
// arms the flush timer if none is pending.
func (q *Queue) Enqueue(item model.ThreadItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending[item.ID] = item
	if q.timer == nil {
		q.timer = time.AfterFunc(q.interval, func() {
			q.Flush(context.Background())
		})
	}
}

// Flush drains everything queued right now in one bulk write. Callers use it
// directly when a terminal state must hit the durable store without waiting
// out the coalescing window (abort, stream error, teardown).
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	items := make([]model.ThreadItem, 0, len(q.pending))
	for _, item := range q.pending {
		items = append(items, item)
	}
	q.pending = make(map[string]model.ThreadItem)
	q.mu.Unlock()

	err := q.writer.BulkUpsertItems(ctx, items)
	if err == nil {
		return
	}
	q.log.Warn("bulk item flush failed, retrying per item", "count", len(items), "error", err)

	// One bad record must not lose the whole batch.
	for i := range items {
		if err := q.writer.UpsertItem(ctx, &items[i]); err != nil {
			q.log.Error("failed to persist item", "item_id", items[i].ID, "error", err)
		}
	}
}

// Discard drops any pending write for the given id; used when the item was
// deleted so a stale flush cannot resurrect it.
func (q *Queue) Discard(itemID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, itemID)
}

// Close flushes whatever is still queued and rejects further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.Flush(context.Background())
}
