package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(case_id,''),entity_kind,COALESCE(entity_id,''),actor,payload_json`

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CaseID, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventsFrom returns events newest first, strictly older than cursor when set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, caseID, evtType string) ([]domain.Event, error) {
	var where []string
	var args []any
	if cursor > 0 {
		where = append(where, "id < ?")
		args = append(args, cursor)
	}
	if caseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, caseID)
	}
	if evtType != "" {
		where = append(where, "type = ?")
		args = append(args, evtType)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	return r.queryEvents(ctx, fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, clause), args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// GetDispatchCursor returns the last delivered event id for a named consumer.
func (r Repo) GetDispatchCursor(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT event_id FROM dispatch_cursors WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetDispatchCursor(ctx context.Context, name string, eventID int64, at string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO dispatch_cursors(name,event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET event_id=excluded.event_id, updated_at=excluded.updated_at`, name, eventID, at)
	return err
}
