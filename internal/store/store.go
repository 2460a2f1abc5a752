package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/snrraptopack/fatigue/internal/model"
)

// Store defines the collector's persistence interface: the durable sink of
// record for edge events.
type Store interface {
	// UpsertAlert stores the event, idempotent on event id. The sync
	// engine may resend after a timeout whose response was lost, so a
	// duplicate id updates the stored record (latest payload wins).
	// Returns true when the alert was newly created, false when an
	// existing record was refreshed.
	UpsertAlert(ctx context.Context, ev *model.Event) (*model.StoredAlert, bool, error)

	// GetAlert returns the stored alert or nil when unknown.
	GetAlert(ctx context.Context, id uuid.UUID) (*model.StoredAlert, error)

	// ListAlerts returns alerts matching the filter plus the total count
	// before pagination, for reconciliation reads.
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.StoredAlert, int, error)

	// Lifecycle
	Close() error
}
