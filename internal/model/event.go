package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact produced at the edge: a fatigue alert or a
// status update. ID is the deduplication key for every downstream consumer;
// only delivery metadata (QueueItem) mutates after creation.
type Event struct {
	ID                  uuid.UUID       `json:"id"`
	Kind                string          `json:"kind"` // e.g. "fatigue_alert", "status_update"
	CreatedAt           time.Time       `json:"created_at"`
	Priority            Priority        `json:"priority"`
	Payload             json.RawMessage `json:"payload"`
	OriginParticipantID string          `json:"origin_participant_id"`
}

// NewEvent creates an Event with a fresh id and the current UTC time.
func NewEvent(kind string, priority Priority, participantID string, payload json.RawMessage) *Event {
	return &Event{
		ID:                  uuid.New(),
		Kind:                kind,
		CreatedAt:           time.Now().UTC(),
		Priority:            priority,
		Payload:             payload,
		OriginParticipantID: participantID,
	}
}
