package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO documents(id,case_id,filename,original_filename,file_path,content_type,file_size,uploaded_by,uploaded_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.CaseID, d.Filename, nullable(d.OriginalFilename), nullable(d.Path), nullable(d.ContentType), d.Size, d.UploadedBy, d.UploadedAt)
	return err
}

// ListDocuments returns a case's documents in upload order.
func (r Repo) ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,filename,COALESCE(original_filename,''),COALESCE(file_path,''),COALESCE(content_type,''),
file_size,uploaded_by,uploaded_at FROM documents WHERE case_id=? ORDER BY uploaded_at ASC, rowid ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Filename, &d.OriginalFilename, &d.Path, &d.ContentType, &d.Size, &d.UploadedBy, &d.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r Repo) CountDocuments(ctx context.Context, tx *sql.Tx, caseID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE case_id=?`, caseID).Scan(&n)
	return n, err
}
