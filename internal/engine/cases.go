package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// CaseInput registers a new case.
type CaseInput struct {
	ID          string
	LAN         string
	CaseType    string
	Product     string
	Region      string
	ReferredBy  string
	Description string
	CaseDate    string
	// Status is the initial status; empty means the default initial status.
	Status   string
	Customer domain.Customer
	// Registration is extra Case Registration stage data stored with the case.
	Registration json.RawMessage
	Actor        auth.Actor
}

const defaultInitialStatus = "Registered"

func (e Engine) initialStatus(requested string) (string, error) {
	if requested == "" {
		if e.Workflow.IsInitial(defaultInitialStatus) {
			return defaultInitialStatus, nil
		}
		return e.Config.Workflow.Initial[0], nil
	}
	if !e.Workflow.IsInitial(requested) {
		return "", newError(KindValidation, map[string]any{"allowed": e.Config.Workflow.Initial}, "cases cannot start in %q", requested)
	}
	return requested, nil
}

// CreateCase registers a case. The registration stage snapshot, the first
// audit entry and the outbox event are written with it.
func (e Engine) CreateCase(ctx context.Context, in CaseInput) (domain.Case, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.Case{}, validationError("case_id is required")
	}
	status, err := e.initialStatus(in.Status)
	if err != nil {
		return domain.Case{}, err
	}
	if err := domain.ValidateCustomer(in.Customer); err != nil {
		return domain.Case{}, newError(KindValidation, nil, "invalid customer: %v", err)
	}
	stage := e.Config.Workflow.Stages[0]
	data, err := domain.DecodeStageData(stage, in.Registration)
	if err != nil {
		return domain.Case{}, newError(KindValidation, map[string]any{"stage": stage}, "%v", err)
	}
	actor, err := e.Gate.AuthorizeStage(ctx, in.Actor, stage, "create case")
	if err != nil {
		return domain.Case{}, fromGate(err)
	}

	unlock := e.lockCase(in.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	c := domain.Case{
		ID:          in.ID,
		LAN:         in.LAN,
		CaseType:    in.CaseType,
		Product:     in.Product,
		Region:      in.Region,
		ReferredBy:  in.ReferredBy,
		Description: in.Description,
		CaseDate:    in.CaseDate,
		Status:      status,
		Version:     1,
		CreatedBy:   actor.Username,
		CreatedAt:   now,
		UpdatedAt:   now,
		Customer:    in.Customer,
	}
	if src, ok := data.(domain.CustomerSource); ok {
		if details := src.CustomerDetails(); details != nil {
			c.Customer.Merge(*details)
		}
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Case{}, newError(KindValidation, map[string]any{"case_id": in.ID}, "case %s already exists", in.ID)
		}
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if _, err := e.writeAudit(ctx, tx, c.ID, "Case Created", "Case registered with status "+status, actor.Username, now); err != nil {
		return domain.Case{}, fmt.Errorf("write audit: %w", err)
	}
	if _, err := e.Repo.InsertSnapshot(ctx, tx, domain.StageSnapshot{
		CaseID:    c.ID,
		Stage:     stage,
		Actor:     actor.Username,
		Data:      registrationSnapshot(c, data),
		CreatedAt: now,
	}); err != nil {
		return domain.Case{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.CaseCreated, c.ID, "case", c.ID, actor.Username, events.EventPayload{
		"status":  status,
		"product": c.Product,
		"region":  c.Region,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// registrationSnapshot fills a registration variant from the case fields the
// caller did not provide in the stage payload.
func registrationSnapshot(c domain.Case, data domain.StageData) domain.StageData {
	reg, ok := data.(domain.RegistrationData)
	if !ok {
		return data
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&reg.CaseType, c.CaseType)
	fill(&reg.Product, c.Product)
	fill(&reg.Region, c.Region)
	fill(&reg.ReferredBy, c.ReferredBy)
	fill(&reg.Description, c.Description)
	fill(&reg.CaseDate, c.CaseDate)
	if !c.Customer.IsZero() {
		customer := c.Customer
		reg.Customer = &customer
	}
	return reg
}

func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return e.loadCase(ctx, id)
}

func (e Engine) ListCases(ctx context.Context, f repo.CaseFilter) ([]domain.Case, error) {
	if f.Status != "" && !e.Workflow.IsStatus(f.Status) {
		return nil, validationError("unknown status %q", f.Status)
	}
	cases, err := e.Repo.ListCases(ctx, f)
	if errors.Is(err, repo.ErrInvalidCursor) {
		return nil, validationError("invalid cursor")
	}
	return cases, err
}

func (e Engine) Stats(ctx context.Context) (domain.CaseStats, error) {
	return e.Repo.CaseStats(ctx)
}

// AddComment appends a free-form comment. Any active user may comment.
func (e Engine) AddComment(ctx context.Context, caseID, body, commentType string, actor auth.Actor) (domain.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Comment{}, validationError("comment body is required")
	}
	if commentType == "" {
		commentType = "General"
	}
	resolved, err := e.Gate.Resolve(ctx, actor, "comment")
	if err != nil {
		return domain.Comment{}, fromGate(err)
	}
	if _, err := e.loadCase(ctx, caseID); err != nil {
		return domain.Comment{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	cm := domain.Comment{CaseID: caseID, Body: body, Type: commentType, CreatedBy: resolved.Username, CreatedAt: now}
	cm.ID, err = e.Repo.InsertComment(ctx, tx, cm)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("write comment: %w", err)
	}
	if _, err := e.writeAudit(ctx, tx, caseID, "Comment Added", commentType, resolved.Username, now); err != nil {
		return domain.Comment{}, fmt.Errorf("write audit: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.CommentAdded, caseID, "comment", fmt.Sprint(cm.ID), resolved.Username, events.EventPayload{
		"type": commentType,
	}); err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	return cm, nil
}
