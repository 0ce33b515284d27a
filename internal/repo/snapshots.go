package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"caseflow/internal/domain"
)

func (r Repo) InsertSnapshot(ctx context.Context, tx *sql.Tx, s domain.StageSnapshot) (int64, error) {
	data := s.Data
	if data == nil {
		data = domain.GenericStageData{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal stage data: %w", err)
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO stage_snapshots(case_id,stage,actor,data_json,created_at) VALUES (?,?,?,?,?)`,
		s.CaseID, s.Stage, s.Actor, string(payload), s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSnapshots returns every snapshot of a case oldest first.
func (r Repo) ListSnapshots(ctx context.Context, caseID string) ([]domain.StageSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,stage,actor,data_json,created_at FROM stage_snapshots WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StageSnapshot
	for rows.Next() {
		var s domain.StageSnapshot
		var payload string
		if err := rows.Scan(&s.ID, &s.CaseID, &s.Stage, &s.Actor, &payload, &s.CreatedAt); err != nil {
			return nil, err
		}
		data, err := domain.DecodeStageData(s.Stage, json.RawMessage(payload))
		if err != nil {
			// Stored payloads predating a variant change stay readable as generic data.
			generic := domain.GenericStageData{}
			if jerr := json.Unmarshal([]byte(payload), &generic); jerr != nil {
				return nil, fmt.Errorf("snapshot %d: %w", s.ID, err)
			}
			data = generic
		}
		s.Data = data
		out = append(out, s)
	}
	return out, rows.Err()
}
