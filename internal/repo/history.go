package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO comments(case_id,body,type,created_by,created_at) VALUES (?,?,?,?,?)`,
		c.CaseID, c.Body, c.Type, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListComments returns a case's comments oldest first.
func (r Repo) ListComments(ctx context.Context, caseID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,body,type,created_by,created_at FROM comments WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.CaseID, &c.Body, &c.Type, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, a domain.AuditEntry) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO audit_log(case_id,action,details,actor,created_at) VALUES (?,?,?,?,?)`,
		a.CaseID, a.Action, nullable(a.Details), a.Actor, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAudit returns a case's audit trail oldest first.
func (r Repo) ListAudit(ctx context.Context, caseID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,action,COALESCE(details,''),actor,created_at FROM audit_log WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Action, &a.Details, &a.Actor, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
