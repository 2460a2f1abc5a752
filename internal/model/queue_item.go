package model

import "time"

// maxBackoff caps the per-item retry delay.
const maxBackoff = 30 * time.Second

// QueueItem wraps an Event with its delivery state in the local durable
// queue. Created when the event is produced, mutated on every delivery
// attempt, removed only once the collector acknowledges receipt.
type QueueItem struct {
	Event         *Event     `json:"event"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Exhausted reports whether the item has consumed its retry budget. An
// exhausted item is excluded from active scheduling but never dropped.
func (q *QueueItem) Exhausted() bool {
	return q.Attempts >= q.Event.Priority.MaxRetries()
}

// BackoffDeadline returns the earliest time the next delivery attempt may
// run: lastAttemptAt + min(30s, 2^attempts seconds). The zero time is
// returned for items that have never been attempted.
func (q *QueueItem) BackoffDeadline() time.Time {
	if q.LastAttemptAt == nil {
		return time.Time{}
	}
	delay := time.Second << uint(min(q.Attempts, 16))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return q.LastAttemptAt.Add(delay)
}

// Due reports whether the item may be attempted at the given instant.
func (q *QueueItem) Due(now time.Time) bool {
	return !now.Before(q.BackoffDeadline())
}
