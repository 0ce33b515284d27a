package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

const interactionColumns = `id,case_id,from_stage,to_stage,request_type,message,requested_by,status,response,responded_by,created_at,responded_at`

func scanInteraction(row rowScanner) (domain.InteractionRequest, error) {
	var req domain.InteractionRequest
	var response, respondedBy, respondedAt sql.NullString
	err := row.Scan(&req.ID, &req.CaseID, &req.FromStage, &req.ToStage, &req.RequestType, &req.Message,
		&req.RequestedBy, &req.Status, &response, &respondedBy, &req.CreatedAt, &respondedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Response = nullStringPtr(response)
	req.RespondedBy = nullStringPtr(respondedBy)
	req.RespondedAt = nullStringPtr(respondedAt)
	return req, nil
}

func (r Repo) InsertInteraction(ctx context.Context, tx *sql.Tx, req domain.InteractionRequest) (int64, error) {
	if req.Status == "" {
		req.Status = domain.InteractionPending
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO interaction_requests(case_id,from_stage,to_stage,request_type,message,requested_by,status,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		req.CaseID, req.FromStage, req.ToStage, req.RequestType, req.Message, req.RequestedBy, req.Status, req.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetInteraction(ctx context.Context, tx *sql.Tx, id int64) (domain.InteractionRequest, error) {
	return scanInteraction(r.on(tx).QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interaction_requests WHERE id=?`, id))
}

// CloseInteraction moves a pending request to status. It reports false if the
// request already left Pending.
func (r Repo) CloseInteraction(ctx context.Context, tx *sql.Tx, id int64, status string, response *string, by, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE interaction_requests SET status=?, response=?, responded_by=?, responded_at=?
WHERE id=? AND status=?`, status, nullableStringPtr(response), by, at, id, domain.InteractionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListInteractions returns a case's requests oldest first.
func (r Repo) ListInteractions(ctx context.Context, caseID string) ([]domain.InteractionRequest, error) {
	return r.queryInteractions(ctx, `SELECT `+interactionColumns+` FROM interaction_requests WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
}

// PendingInteractions returns open requests directed at stage, oldest first.
func (r Repo) PendingInteractions(ctx context.Context, stage string) ([]domain.InteractionRequest, error) {
	return r.queryInteractions(ctx, `SELECT `+interactionColumns+` FROM interaction_requests WHERE to_stage=? AND status=? ORDER BY created_at ASC, id ASC`,
		stage, domain.InteractionPending)
}

func (r Repo) queryInteractions(ctx context.Context, query string, args ...any) ([]domain.InteractionRequest, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.InteractionRequest
	for rows.Next() {
		req, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
