package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/snrraptopack/fatigue/internal/model"
)

// alertColumns is the column list used for SELECT statements on the alerts table.
const alertColumns = `id, kind, priority, payload, origin_participant_id,
	created_at, received_at, updated_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryUpsertAlert inserts the event or, on a duplicate id, refreshes the
// stored record with the latest payload. The inserted flag distinguishes
// "created" from "already existed" for the HTTP response.
func queryUpsertAlert(ctx context.Context, db executor, ev *model.Event) (*model.StoredAlert, bool, error) {
	row := db.QueryRowContext(ctx, `
		INSERT INTO alerts (
			id, kind, priority, payload, origin_participant_id, created_at, received_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, now(), now()
		)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			priority = EXCLUDED.priority,
			payload = EXCLUDED.payload,
			origin_participant_id = EXCLUDED.origin_participant_id,
			created_at = EXCLUDED.created_at,
			updated_at = now()
		RETURNING `+alertColumns+`, (xmax = 0) AS inserted`,
		ev.ID,
		ev.Kind,
		string(ev.Priority),
		jsonbBytes(ev.Payload),
		ev.OriginParticipantID,
		ev.CreatedAt,
	)

	var (
		a        model.StoredAlert
		priority string
		payload  []byte
		inserted bool
	)
	if err := row.Scan(
		&a.ID, &a.Kind, &priority, &payload, &a.OriginParticipantID,
		&a.CreatedAt, &a.ReceivedAt, &a.UpdatedAt, &inserted,
	); err != nil {
		return nil, false, fmt.Errorf("upsert alert: %w", err)
	}
	a.Priority = model.Priority(priority)
	a.Payload = payload
	return &a, inserted, nil
}

func queryGetAlert(ctx context.Context, db executor, id uuid.UUID) (*model.StoredAlert, error) {
	row := db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// queryListAlerts returns matching alerts newest-first plus the total match
// count before limit/offset, in a single query via a window function.
func queryListAlerts(ctx context.Context, db executor, filter model.AlertFilter) ([]*model.StoredAlert, int, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ParticipantID != "" {
		conds = append(conds, "origin_participant_id = "+arg(filter.ParticipantID))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = "+arg(filter.Kind))
	}
	if len(filter.Priority) > 0 {
		ph := make([]string, 0, len(filter.Priority))
		for _, p := range filter.Priority {
			ph = append(ph, arg(string(p)))
		}
		conds = append(conds, "priority IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= "+arg(filter.Since.UTC()))
	}

	query := `SELECT count(*) OVER() AS total_count, ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var (
		alerts []*model.StoredAlert
		total  int
	)
	for rows.Next() {
		var (
			a        model.StoredAlert
			priority string
			payload  []byte
		)
		if err := rows.Scan(
			&total,
			&a.ID, &a.Kind, &priority, &payload, &a.OriginParticipantID,
			&a.CreatedAt, &a.ReceivedAt, &a.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan alert: %w", err)
		}
		a.Priority = model.Priority(priority)
		a.Payload = payload
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list alerts rows: %w", err)
	}
	return alerts, total, nil
}

// jsonbBytes normalizes a possibly-nil payload for a JSONB column.
func jsonbBytes(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*model.StoredAlert, error) {
	var (
		a        model.StoredAlert
		priority string
		payload  []byte
	)
	if err := row.Scan(
		&a.ID, &a.Kind, &priority, &payload, &a.OriginParticipantID,
		&a.CreatedAt, &a.ReceivedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Priority = model.Priority(priority)
	a.Payload = payload
	return &a, nil
}
