package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the outbox.
const (
	CaseCreated          = "case.created"
	CaseTransitioned     = "case.transitioned"
	StageRecorded        = "stage.recorded"
	CommentAdded         = "comment.added"
	DocumentAttached     = "document.attached"
	InteractionRequested = "interaction.requested"
	InteractionResponded = "interaction.responded"
	InteractionReviewed  = "interaction.reviewed"
	UserUpserted         = "user.upserted"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an outbox row inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, caseID, entityKind, entityID, actor string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,case_id,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(caseID), entityKind, nullable(entityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
