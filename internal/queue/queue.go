// Package queue implements the edge-local durable queue (the outbox of
// events awaiting collector acknowledgment).
//
// The queue is a JSONL snapshot on disk, rewritten atomically on every
// mutation via temp-file + rename, so a crash mid-write never leaves a
// partially visible state. All operations are synchronous; the queue is
// safe for concurrent use but is expected to be drained by a single sync
// engine.
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snrraptopack/fatigue/internal/model"
)

// Queue is a local durable queue keyed by event id.
type Queue struct {
	mu    sync.Mutex
	path  string
	items map[uuid.UUID]*model.QueueItem
}

// Open loads the queue stored at path, creating an empty one if the file
// does not exist yet. Parent directories are created as needed.
func Open(path string) (*Queue, error) {
	q := &Queue{
		path:  path,
		items: make(map[uuid.UUID]*model.QueueItem),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("creating queue directory: %w", err)
			}
			return q, nil
		}
		return nil, fmt.Errorf("opening queue file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var item model.QueueItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			return nil, fmt.Errorf("queue file %s line %d: %w", path, line, err)
		}
		if item.Event == nil {
			return nil, fmt.Errorf("queue file %s line %d: missing event", path, line)
		}
		q.items[item.Event.ID] = &item
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading queue file: %w", err)
	}
	return q, nil
}

// Enqueue stores the event as a fresh queue item. Idempotent on event id:
// re-enqueuing an existing id replaces the stored item, and the
// later-created event wins. Delivery state is reset on replacement since
// the payload being retried has changed.
func (q *Queue) Enqueue(ev *model.Event) error {
	if ev == nil {
		return fmt.Errorf("enqueue: nil event")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.items[ev.ID]; ok && existing.Event.CreatedAt.After(ev.CreatedAt) {
		return nil
	}
	q.items[ev.ID] = &model.QueueItem{Event: ev}
	return q.persistLocked()
}

// ListPending returns a snapshot of every queued item ordered by priority
// (critical first) and then by creation time (oldest first). Exhausted
// items are included; the sync engine classifies them as skipped.
func (q *Queue) ListPending() []*model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*model.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Event.Priority.Rank(), out[j].Event.Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return out[i].Event.CreatedAt.Before(out[j].Event.CreatedAt)
	})
	return out
}

// MarkDelivered removes the item once the collector has acknowledged it.
// Unknown ids are a no-op: a duplicate ack after a lost response is normal.
func (q *Queue) MarkDelivered(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return nil
	}
	delete(q.items, id)
	return q.persistLocked()
}

// RecordFailure increments the attempt counter and records the failure
// cause and time. The item stays queued; exhaustion only excludes it from
// active scheduling.
func (q *Queue) RecordFailure(id uuid.UUID, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("record failure: unknown event %s", id)
	}
	now := time.Now().UTC()
	item.Attempts++
	item.LastAttemptAt = &now
	if cause != nil {
		item.LastError = cause.Error()
	}
	return q.persistLocked()
}

// MarkRejected records a permanent rejection: the collector refused the
// payload, so retrying cannot succeed. The item is exhausted immediately
// (excluded from scheduling, kept for operator inspection).
func (q *Queue) MarkRejected(id uuid.UUID, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("mark rejected: unknown event %s", id)
	}
	now := time.Now().UTC()
	item.Attempts = item.Event.Priority.MaxRetries()
	item.LastAttemptAt = &now
	if cause != nil {
		item.LastError = cause.Error()
	}
	return q.persistLocked()
}

// Failed returns the retry record of every item that has failed at least
// once, exhausted items included, for operator inspection.
func (q *Queue) Failed() []model.FailedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.FailedItem
	for _, item := range q.items {
		if item.Attempts == 0 {
			continue
		}
		out = append(out, model.FailedItem{
			EventID:       item.Event.ID.String(),
			Attempts:      item.Attempts,
			LastAttemptAt: item.LastAttemptAt,
			LastError:     item.LastError,
			Exhausted:     item.Exhausted(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Len returns the total number of stored items, exhausted included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingCount returns the number of items still in active scheduling.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if !item.Exhausted() {
			n++
		}
	}
	return n
}

// persistLocked rewrites the on-disk snapshot. Callers hold q.mu.
func (q *Queue) persistLocked() error {
	ids := make([]uuid.UUID, 0, len(q.items))
	for id := range q.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return q.items[ids[i]].Event.CreatedAt.Before(q.items[ids[j]].Event.CreatedAt)
	})

	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".queue-*")
	if err != nil {
		return fmt.Errorf("creating temp queue file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, id := range ids {
		if err := enc.Encode(q.items[id]); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding queue item: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.path); err != nil {
		return fmt.Errorf("replacing queue file: %w", err)
	}
	return nil
}
