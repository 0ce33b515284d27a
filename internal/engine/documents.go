package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
)

// DocumentInput is the metadata of a file already placed in storage.
type DocumentInput struct {
	Filename    string
	Path        string
	ContentType string
	Size        int64
	Actor       auth.Actor
}

// AttachDocument records an uploaded file against a case.
func (e Engine) AttachDocument(ctx context.Context, caseID string, in DocumentInput) (domain.Document, error) {
	original := strings.TrimSpace(in.Filename)
	if original == "" {
		return domain.Document{}, validationError("filename is required")
	}
	if in.Size < 0 {
		return domain.Document{}, validationError("size must not be negative")
	}
	resolved, err := e.Gate.Resolve(ctx, in.Actor, "upload document")
	if err != nil {
		return domain.Document{}, fromGate(err)
	}
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return domain.Document{}, err
	}
	if e.Workflow.IsTerminal(c.Status) {
		return domain.Document{}, newError(KindInvalidTransition, map[string]any{"status": c.Status},
			"case %s is %s and no longer accepts documents", c.ID, c.Status)
	}

	id := uuid.NewString()
	doc := domain.Document{
		ID:               id,
		CaseID:           c.ID,
		Filename:         id + filepath.Ext(original),
		OriginalFilename: filepath.Base(original),
		Path:             in.Path,
		ContentType:      in.ContentType,
		Size:             in.Size,
		UploadedBy:       resolved.Username,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()

	doc.UploadedAt = e.timestamp()
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if _, err := e.writeAudit(ctx, tx, c.ID, "Document Uploaded", doc.OriginalFilename, resolved.Username, doc.UploadedAt); err != nil {
		return domain.Document{}, fmt.Errorf("write audit: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.DocumentAttached, c.ID, "document", doc.ID, resolved.Username, events.EventPayload{
		"filename": doc.OriginalFilename,
		"size":     doc.Size,
	}); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func (e Engine) ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error) {
	if _, err := e.loadCase(ctx, caseID); err != nil {
		return nil, err
	}
	docs, err := e.Repo.ListDocuments(ctx, caseID)
	return nonNil(docs), err
}
