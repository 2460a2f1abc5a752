package model

import "time"

// AlertFilter narrows collector reconciliation reads.
type AlertFilter struct {
	ParticipantID string
	Kind          string
	Priority      []Priority
	Since         *time.Time
	Limit         int
	Offset        int
}

// StoredAlert is an Event as persisted by the collector, with receipt
// bookkeeping. UpdatedAt moves on idempotent resends.
type StoredAlert struct {
	Event
	ReceivedAt time.Time `json:"received_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
