package events

import (
	"context"

	"github.com/snrraptopack/fatigue/internal/model"
)

// Topic constants for the collector's change-notification feed. The hub
// subscribes to TopicAlertsAll so centrally-originated inserts reach
// observers without going through an edge socket.
const (
	TopicAlertCreated = "alerts.alert.created"
	TopicAlertUpdated = "alerts.alert.updated"

	TopicAlertsAll = "alerts.>"
)

// AlertCreated is published when the collector stores a new alert.
type AlertCreated struct {
	Alert *model.StoredAlert `json:"alert"`
}

// AlertUpdated is published when an idempotent resend refreshes an
// existing alert.
type AlertUpdated struct {
	Alert *model.StoredAlert `json:"alert"`
}

// Publisher is the interface for emitting change notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
