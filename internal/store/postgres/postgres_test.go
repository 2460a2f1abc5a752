package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/snrraptopack/fatigue/internal/model"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

// alertRowColumns is the column list for scanAlert results.
var alertRowColumns = []string{
	"id", "kind", "priority", "payload", "origin_participant_id",
	"created_at", "received_at", "updated_at",
}

// upsertColumns adds the inserted flag returned by queryUpsertAlert.
var upsertColumns = append(append([]string{}, alertRowColumns...), "inserted")

func TestUpsertAlert_Created(t *testing.T) {
	db, mock := newMockDB(t)

	id := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows(upsertColumns).AddRow(
		id.String(), "fatigue_alert", "critical", []byte(`{"score":0.9}`), "driver-1",
		now, now, now, true,
	)
	mock.ExpectQuery("INSERT INTO alerts").
		WithArgs(id, "fatigue_alert", "critical", []byte(`{"score":0.9}`), "driver-1", now).
		WillReturnRows(rows)

	ev := &model.Event{
		ID:                  id,
		Kind:                "fatigue_alert",
		CreatedAt:           now,
		Priority:            model.PriorityCritical,
		Payload:             []byte(`{"score":0.9}`),
		OriginParticipantID: "driver-1",
	}
	stored, created, err := queryUpsertAlert(context.Background(), db, ev)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Errorf("expected created=true for a fresh insert")
	}
	if stored.ID != id {
		t.Errorf("expected id %s, got %s", id, stored.ID)
	}
	if stored.Priority != model.PriorityCritical {
		t.Errorf("expected critical priority, got %s", stored.Priority)
	}
}

func TestUpsertAlert_Resend(t *testing.T) {
	db, mock := newMockDB(t)

	id := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows(upsertColumns).AddRow(
		id.String(), "fatigue_alert", "high", []byte(`{"score":0.95}`), "driver-1",
		now, now.Add(-time.Minute), now, false,
	)
	mock.ExpectQuery("INSERT INTO alerts").
		WithArgs(id, "fatigue_alert", "high", []byte(`{"score":0.95}`), "driver-1", now).
		WillReturnRows(rows)

	ev := &model.Event{
		ID:                  id,
		Kind:                "fatigue_alert",
		CreatedAt:           now,
		Priority:            model.PriorityHigh,
		Payload:             []byte(`{"score":0.95}`),
		OriginParticipantID: "driver-1",
	}
	stored, created, err := queryUpsertAlert(context.Background(), db, ev)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created {
		t.Errorf("expected created=false for an idempotent resend")
	}
	if string(stored.Payload) != `{"score":0.95}` {
		t.Errorf("expected latest payload to win, got %s", stored.Payload)
	}
}

func TestGetAlert_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM alerts WHERE id = \\$1").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	stored, err := queryGetAlert(context.Background(), db, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored != nil {
		t.Errorf("expected nil for unknown alert, got %+v", stored)
	}
}

func TestListAlerts_FilterAndPagination(t *testing.T) {
	db, mock := newMockDB(t)

	now := time.Now().UTC()
	id1, id2 := uuid.New(), uuid.New()
	rows := sqlmock.NewRows(append([]string{"total_count"}, alertRowColumns...)).
		AddRow(5, id1.String(), "fatigue_alert", "critical", []byte(`{}`), "driver-1", now, now, now).
		AddRow(5, id2.String(), "fatigue_alert", "high", []byte(`{}`), "driver-1", now.Add(-time.Minute), now, now)

	mock.ExpectQuery("SELECT count\\(\\*\\) OVER\\(\\) AS total_count, (.+) FROM alerts WHERE origin_participant_id = \\$1 AND priority IN \\(\\$2, \\$3\\) ORDER BY created_at DESC LIMIT \\$4 OFFSET \\$5").
		WithArgs("driver-1", "critical", "high", 2, 2).
		WillReturnRows(rows)

	alerts, total, err := queryListAlerts(context.Background(), db, model.AlertFilter{
		ParticipantID: "driver-1",
		Priority:      []model.Priority{model.PriorityCritical, model.PriorityHigh},
		Limit:         2,
		Offset:        2,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].ID != id1 {
		t.Errorf("expected newest alert first")
	}
}
