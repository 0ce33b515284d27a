package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// InteractionInput opens a request for information from one stage to another.
type InteractionInput struct {
	CaseID      string
	FromStage   string
	ToStage     string
	RequestType string
	Message     string
	Actor       auth.Actor
}

func (e Engine) checkInteraction(in *InteractionInput) error {
	in.Message = strings.TrimSpace(in.Message)
	if in.Message == "" {
		return validationError("message is required")
	}
	if !e.Workflow.IsStage(in.FromStage) {
		return validationError("unknown stage %q", in.FromStage)
	}
	if !e.Workflow.IsStage(in.ToStage) {
		return validationError("unknown stage %q", in.ToStage)
	}
	if in.RequestType == "" {
		in.RequestType = "Other"
	}
	known := false
	for _, t := range domain.RequestTypes {
		if t == in.RequestType {
			known = true
			break
		}
	}
	if !known {
		return newError(KindValidation, map[string]any{"allowed": domain.RequestTypes}, "unknown request type %q", in.RequestType)
	}
	if !e.Workflow.CanRequest(in.FromStage, in.ToStage) {
		return newError(KindInteractionAdjacency,
			map[string]any{"from_stage": in.FromStage, "to_stage": in.ToStage, "allowed": e.Workflow.AllowedTargets(in.FromStage)},
			"%s may not send requests to %s", in.FromStage, in.ToStage)
	}
	return nil
}

// CreateInteractionRequest opens a pending request. Only stages listed in the
// adjacency table of the sending stage may be targeted, and the actor must
// own the sending stage.
func (e Engine) CreateInteractionRequest(ctx context.Context, in InteractionInput) (domain.InteractionRequest, error) {
	if err := e.checkInteraction(&in); err != nil {
		return domain.InteractionRequest{}, err
	}
	actor, err := e.Gate.AuthorizeStage(ctx, in.Actor, in.FromStage, "create interaction request")
	if err != nil {
		return domain.InteractionRequest{}, fromGate(err)
	}
	c, err := e.loadCase(ctx, in.CaseID)
	if err != nil {
		return domain.InteractionRequest{}, err
	}
	if e.Workflow.IsTerminal(c.Status) {
		return domain.InteractionRequest{}, closedCase(c)
	}
	return e.openInteraction(ctx, in, actor, "")
}

func closedCase(c domain.Case) error {
	return newError(KindInvalidTransition, map[string]any{"status": c.Status},
		"case %s is %s; no interaction requests on a terminal case", c.ID, c.Status)
}

// openInteraction writes the request under the case lock. The case is read
// again through the transaction; expected, when set, is the status the
// caller checked and must still hold.
func (e Engine) openInteraction(ctx context.Context, in InteractionInput, actor auth.Actor, expected string) (domain.InteractionRequest, error) {
	if err := e.checkInteraction(&in); err != nil {
		return domain.InteractionRequest{}, err
	}
	unlock := e.lockCase(in.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InteractionRequest{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCase(ctx, tx, in.CaseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.InteractionRequest{}, notFound("case", in.CaseID)
	}
	if err != nil {
		return domain.InteractionRequest{}, err
	}
	if expected != "" && c.Status != expected {
		return domain.InteractionRequest{}, newError(KindStaleTransition,
			map[string]any{"expected": expected, "actual": c.Status},
			"case %s moved from %s to %s", c.ID, expected, c.Status)
	}
	if e.Workflow.IsTerminal(c.Status) {
		return domain.InteractionRequest{}, closedCase(c)
	}
	status := c.Status

	now := e.timestamp()
	ir := domain.InteractionRequest{
		CaseID:      in.CaseID,
		FromStage:   in.FromStage,
		ToStage:     in.ToStage,
		RequestType: in.RequestType,
		Message:     in.Message,
		RequestedBy: actor.Username,
		Status:      domain.InteractionPending,
		CreatedAt:   now,
	}
	ir.ID, err = e.Repo.InsertInteraction(ctx, tx, ir)
	if err != nil {
		return domain.InteractionRequest{}, fmt.Errorf("insert interaction: %w", err)
	}
	if _, err := e.Repo.InsertComment(ctx, tx, domain.Comment{
		CaseID:    in.CaseID,
		Body:      fmt.Sprintf("INTERACTION REQUEST from %s to %s: %s", in.FromStage, in.ToStage, in.Message),
		Type:      "Interaction Request",
		CreatedBy: actor.Username,
		CreatedAt: now,
	}); err != nil {
		return domain.InteractionRequest{}, fmt.Errorf("write comment: %w", err)
	}
	if _, err := e.writeAudit(ctx, tx, in.CaseID, "Interaction Request Created",
		fmt.Sprintf("%s request from %s to %s", in.RequestType, in.FromStage, in.ToStage), actor.Username, now); err != nil {
		return domain.InteractionRequest{}, fmt.Errorf("write audit: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.InteractionRequested, in.CaseID, "interaction", fmt.Sprint(ir.ID), actor.Username, events.EventPayload{
		"from_stage":   in.FromStage,
		"to_stage":     in.ToStage,
		"request_type": in.RequestType,
		"status":       status,
	}); err != nil {
		return domain.InteractionRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InteractionRequest{}, err
	}
	return ir, nil
}

func (e Engine) loadInteraction(ctx context.Context, id int64) (domain.InteractionRequest, error) {
	ir, err := e.Repo.GetInteraction(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ir, notFound("interaction", fmt.Sprint(id))
	}
	return ir, err
}

// RespondToInteraction answers a pending request. The responder must own the
// stage the request was directed at.
func (e Engine) RespondToInteraction(ctx context.Context, id int64, response string, actor auth.Actor) (domain.InteractionRequest, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return domain.InteractionRequest{}, validationError("response is required")
	}
	ir, err := e.loadInteraction(ctx, id)
	if err != nil {
		return ir, err
	}
	resolved, err := e.Gate.AuthorizeStage(ctx, actor, ir.ToStage, "respond to interaction request")
	if err != nil {
		return ir, fromGate(err)
	}
	if ir.Status != domain.InteractionPending {
		return ir, notPending(ir)
	}
	return e.closeInteraction(ctx, ir, domain.InteractionResponded, &response, resolved)
}

// MarkInteractionReviewed acknowledges a pending request without a formal
// response. Owners of either end of the request may do so.
func (e Engine) MarkInteractionReviewed(ctx context.Context, id int64, actor auth.Actor) (domain.InteractionRequest, error) {
	ir, err := e.loadInteraction(ctx, id)
	if err != nil {
		return ir, err
	}
	resolved, err := e.Gate.Resolve(ctx, actor, "review interaction request")
	if err != nil {
		return ir, fromGate(err)
	}
	if !e.Gate.RoleOwnsStage(resolved.Role, ir.ToStage) && !e.Gate.RoleOwnsStage(resolved.Role, ir.FromStage) {
		return ir, fromGate(auth.ForbiddenError{
			User:   resolved.Username,
			Role:   resolved.Role,
			Action: "review interaction request",
			Reason: "role owns neither " + ir.FromStage + " nor " + ir.ToStage,
		})
	}
	if ir.Status != domain.InteractionPending {
		return ir, notPending(ir)
	}
	return e.closeInteraction(ctx, ir, domain.InteractionReviewed, nil, resolved)
}

func notPending(ir domain.InteractionRequest) error {
	return newError(KindInvalidTransition, map[string]any{"status": ir.Status},
		"interaction request %d is %s, not %s", ir.ID, ir.Status, domain.InteractionPending)
}

func (e Engine) closeInteraction(ctx context.Context, ir domain.InteractionRequest, status string, response *string, actor auth.Actor) (domain.InteractionRequest, error) {
	unlock := e.lockCase(ir.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ir, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	closed, err := e.Repo.CloseInteraction(ctx, tx, ir.ID, status, response, actor.Username, now)
	if err != nil {
		return ir, fmt.Errorf("close interaction: %w", err)
	}
	if !closed {
		cur, err := e.Repo.GetInteraction(ctx, tx, ir.ID)
		if err != nil {
			return ir, err
		}
		return cur, notPending(cur)
	}

	auditAction := "Interaction Request Reviewed"
	evtType := events.InteractionReviewed
	if status == domain.InteractionResponded {
		auditAction = "Interaction Request Responded"
		evtType = events.InteractionResponded
		if _, err := e.Repo.InsertComment(ctx, tx, domain.Comment{
			CaseID:    ir.CaseID,
			Body:      fmt.Sprintf("INTERACTION RESPONSE from %s to %s: %s", ir.ToStage, ir.FromStage, *response),
			Type:      "Interaction Response",
			CreatedBy: actor.Username,
			CreatedAt: now,
		}); err != nil {
			return ir, fmt.Errorf("write comment: %w", err)
		}
	}
	if _, err := e.writeAudit(ctx, tx, ir.CaseID, auditAction,
		fmt.Sprintf("request %d from %s to %s", ir.ID, ir.FromStage, ir.ToStage), actor.Username, now); err != nil {
		return ir, fmt.Errorf("write audit: %w", err)
	}
	if err := e.events().Append(ctx, tx, evtType, ir.CaseID, "interaction", fmt.Sprint(ir.ID), actor.Username, events.EventPayload{
		"from_stage": ir.FromStage,
		"to_stage":   ir.ToStage,
		"status":     status,
	}); err != nil {
		return ir, err
	}
	updated, err := e.Repo.GetInteraction(ctx, tx, ir.ID)
	if err != nil {
		return ir, err
	}
	if err := tx.Commit(); err != nil {
		return ir, err
	}
	return updated, nil
}

func (e Engine) ListInteractions(ctx context.Context, caseID string) ([]domain.InteractionRequest, error) {
	if _, err := e.loadCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListInteractions(ctx, caseID)
}

// PendingInteractions lists open requests directed at stage.
func (e Engine) PendingInteractions(ctx context.Context, stage string) ([]domain.InteractionRequest, error) {
	if !e.Workflow.IsStage(stage) {
		return nil, validationError("unknown stage %q", stage)
	}
	return e.Repo.PendingInteractions(ctx, stage)
}
