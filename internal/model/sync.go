package model

import "time"

// SyncStatus is the user-visible state of the sync engine.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// SyncRun summarizes one completed sync pass.
type SyncRun struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
}

// FailedItem is the per-event retry record exposed to observers.
type FailedItem struct {
	EventID       string     `json:"event_id"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Exhausted     bool       `json:"exhausted"`
}

// SyncMetadata is the process-wide sync health record. Owned exclusively by
// the sync engine; observers get copies.
type SyncMetadata struct {
	Status               SyncStatus   `json:"status"`
	LastSuccessfulSyncAt *time.Time   `json:"last_successful_sync_at,omitempty"`
	PendingCount         int          `json:"pending_count"`
	Message              string       `json:"message,omitempty"`
	FailedItems          []FailedItem `json:"failed_items,omitempty"`
	History              []SyncRun    `json:"history,omitempty"`
}

// SyncProgress is emitted per delivery attempt during a pass.
type SyncProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}
