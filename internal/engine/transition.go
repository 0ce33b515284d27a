package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
	"caseflow/internal/workflow"
)

// TransitionRequest asks to move a case along one edge of the workflow.
type TransitionRequest struct {
	CaseID  string
	Action  string
	Actor   auth.Actor
	Comment string
	// Payload is the stage data captured with the transition. It is decoded
	// against the variant of the edge's stage.
	Payload json.RawMessage
	// ExpectedStatus, when set, is the status the caller last saw. The
	// transition fails as stale if the case has moved on since.
	ExpectedStatus string

	// TargetStage and RequestType only apply to the request-info loop action.
	TargetStage string
	RequestType string
}

type TransitionResult struct {
	Case        domain.Case                `json:"case"`
	From        string                     `json:"from"`
	To          string                     `json:"to"`
	Action      string                     `json:"action"`
	Snapshot    *domain.StageSnapshot      `json:"snapshot,omitempty"`
	Interaction *domain.InteractionRequest `json:"interaction,omitempty"`
}

// Transition validates the request, checks the actor's role, finds the edge
// from the current status and applies it atomically.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	res, err := e.transition(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		e.log().Info("transition refused",
			zap.String("case_id", req.CaseID),
			zap.String("action", req.Action),
			zap.String("actor", req.Actor.Username),
			zap.String("outcome", outcome),
			zap.Error(err))
	} else {
		e.log().Info("case transitioned",
			zap.String("case_id", req.CaseID),
			zap.String("action", res.Action),
			zap.String("from", res.From),
			zap.String("to", res.To),
			zap.String("actor", req.Actor.Username))
	}
	e.Metrics.ObserveTransition(strings.TrimSpace(req.Action), outcome)
	return res, err
}

func (e Engine) transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	action := strings.TrimSpace(req.Action)
	comment := strings.TrimSpace(req.Comment)
	loop := action != "" && action == e.Workflow.RequestInfoAction()

	if action == "" {
		return TransitionResult{}, validationError("action is required")
	}
	if !e.Workflow.KnownAction(action) {
		return TransitionResult{}, newError(KindValidation, map[string]any{"action": action}, "unknown action %q", action)
	}
	if e.Workflow.RequiresComment(action) && comment == "" {
		return TransitionResult{}, newError(KindValidation, map[string]any{"action": action}, "%s requires a comment", action)
	}
	if req.ExpectedStatus != "" && !e.Workflow.IsStatus(req.ExpectedStatus) {
		return TransitionResult{}, validationError("unknown status %q", req.ExpectedStatus)
	}
	if loop {
		if comment == "" {
			return TransitionResult{}, validationError("%s requires a message", action)
		}
		if !e.Workflow.IsStage(req.TargetStage) {
			return TransitionResult{}, validationError("unknown target stage %q", req.TargetStage)
		}
	}

	actor, err := e.Gate.AuthorizeAction(ctx, req.Actor, action)
	if err != nil {
		return TransitionResult{}, fromGate(err)
	}

	c, err := e.loadCase(ctx, req.CaseID)
	if err != nil {
		return TransitionResult{}, err
	}
	from := c.Status
	if req.ExpectedStatus != "" {
		from = req.ExpectedStatus
	}

	if loop {
		return e.requestInfo(ctx, c, from, actor, req, comment)
	}

	edge, ok := e.Workflow.Lookup(from, action)
	if !ok {
		return TransitionResult{}, e.invalidTransition(from, action)
	}
	data, err := domain.DecodeStageData(edge.Stage, req.Payload)
	if err != nil {
		return TransitionResult{}, newError(KindValidation, map[string]any{"stage": edge.Stage}, "%v", err)
	}

	unlock := e.lockCase(c.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	if edge.MinDocuments > 0 {
		n, err := e.Repo.CountDocuments(ctx, tx, c.ID)
		if err != nil {
			return TransitionResult{}, err
		}
		if n < edge.MinDocuments {
			return TransitionResult{}, newError(KindValidation,
				map[string]any{"documents": n, "min_documents": edge.MinDocuments},
				"%s needs at least %d document(s), case has %d", action, edge.MinDocuments, n)
		}
	}

	now := e.timestamp()
	moved, err := e.Repo.CompareAndSetStatus(ctx, tx, c.ID, edge.From, edge.To, now)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update status: %w", err)
	}
	if !moved {
		return TransitionResult{}, e.staleTransition(ctx, tx, c.ID, edge.From)
	}
	if kind, ok := e.Workflow.StampFor(edge.To); ok {
		if err := e.Repo.StampDecision(ctx, tx, c.ID, kind, actor.Username, now); err != nil {
			return TransitionResult{}, fmt.Errorf("stamp decision: %w", err)
		}
	}
	if err := e.mergeCustomer(ctx, tx, c.ID, data, now); err != nil {
		return TransitionResult{}, err
	}
	if _, err := e.writeAudit(ctx, tx, c.ID, "Status Update: "+edge.To,
		fmt.Sprintf("%s: %s -> %s", action, edge.From, edge.To), actor.Username, now); err != nil {
		return TransitionResult{}, fmt.Errorf("write audit: %w", err)
	}
	if comment != "" {
		if _, err := e.Repo.InsertComment(ctx, tx, domain.Comment{
			CaseID:    c.ID,
			Body:      comment,
			Type:      "Status Change to " + edge.To,
			CreatedBy: actor.Username,
			CreatedAt: now,
		}); err != nil {
			return TransitionResult{}, fmt.Errorf("write comment: %w", err)
		}
	}
	snap := domain.StageSnapshot{CaseID: c.ID, Stage: edge.Stage, Actor: actor.Username, Data: data, CreatedAt: now}
	snap.ID, err = e.Repo.InsertSnapshot(ctx, tx, snap)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.CaseTransitioned, c.ID, "case", c.ID, actor.Username, events.EventPayload{
		"action": action,
		"from":   edge.From,
		"to":     edge.To,
		"stage":  edge.Stage,
		"role":   actor.Role,
	}); err != nil {
		return TransitionResult{}, err
	}
	updated, err := e.Repo.GetCase(ctx, tx, c.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Case: updated, From: edge.From, To: edge.To, Action: action, Snapshot: &snap}, nil
}

// requestInfo runs the loop action: the status stays put and an interaction
// request goes from the case's current stage to the target stage.
func (e Engine) requestInfo(ctx context.Context, c domain.Case, from string, actor auth.Actor, req TransitionRequest, message string) (TransitionResult, error) {
	action := e.Workflow.RequestInfoAction()
	if !e.Workflow.AllowsRequestInfo(from) {
		return TransitionResult{}, e.invalidTransition(from, action)
	}
	if from != c.Status {
		return TransitionResult{}, newError(KindStaleTransition,
			map[string]any{"expected": from, "actual": c.Status},
			"case %s is %s, not %s", c.ID, c.Status, from)
	}
	stage, _ := e.Workflow.StageFor(from)
	if _, err := e.Gate.AuthorizeStage(ctx, req.Actor, stage, action); err != nil {
		return TransitionResult{}, fromGate(err)
	}
	ir, err := e.openInteraction(ctx, InteractionInput{
		CaseID:      c.ID,
		FromStage:   stage,
		ToStage:     req.TargetStage,
		RequestType: req.RequestType,
		Message:     message,
		Actor:       actor,
	}, actor, from)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Case: c, From: from, To: from, Action: action, Interaction: &ir}, nil
}

func (e Engine) invalidTransition(from, action string) error {
	allowed := []string{}
	for _, edge := range e.Workflow.EdgesFrom(from) {
		allowed = append(allowed, edge.Action)
	}
	if e.Workflow.AllowsRequestInfo(from) {
		allowed = append(allowed, e.Workflow.RequestInfoAction())
	}
	if e.Workflow.IsTerminal(from) {
		return newError(KindInvalidTransition, map[string]any{"status": from, "action": action, "allowed": allowed},
			"case is %s; no transitions leave a terminal status", from)
	}
	return newError(KindInvalidTransition, map[string]any{"status": from, "action": action, "allowed": allowed},
		"%s is not allowed from %s", action, from)
}

// staleTransition explains a compare-and-set miss. It reads through tx since
// the pool holds a single connection.
func (e Engine) staleTransition(ctx context.Context, tx *sql.Tx, caseID, expected string) error {
	cur, err := e.Repo.GetCase(ctx, tx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("case", caseID)
	}
	if err != nil {
		return err
	}
	return newError(KindStaleTransition, map[string]any{"expected": expected, "actual": cur.Status},
		"case %s moved from %s to %s", caseID, expected, cur.Status)
}

// mergeCustomer copies customer details carried by stage data onto the case.
func (e Engine) mergeCustomer(ctx context.Context, tx *sql.Tx, caseID string, data domain.StageData, now string) error {
	src, ok := data.(domain.CustomerSource)
	if !ok {
		return nil
	}
	details := src.CustomerDetails()
	if details == nil || details.IsZero() {
		return nil
	}
	cur, err := e.Repo.GetCase(ctx, tx, caseID)
	if err != nil {
		return err
	}
	merged := cur.Customer
	merged.Merge(*details)
	if err := e.Repo.UpdateCustomer(ctx, tx, caseID, merged, now); err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	return nil
}

// ActionOption is an action the actor could take on a case right now.
type ActionOption struct {
	Action          string `json:"action"`
	To              string `json:"to"`
	Stage           string `json:"stage"`
	RequiresComment bool   `json:"requires_comment"`
	MinDocuments    int    `json:"min_documents,omitempty"`
}

// AvailableActions lists the edges out of the case's status that the actor's
// role may take. Terminal cases have none.
func (e Engine) AvailableActions(ctx context.Context, caseID string, actor auth.Actor) ([]ActionOption, error) {
	resolved, err := e.Gate.Resolve(ctx, actor, "list actions")
	if err != nil {
		return nil, fromGate(err)
	}
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	out := []ActionOption{}
	for _, edge := range e.Workflow.EdgesFrom(c.Status) {
		if !e.Gate.RoleAllows(resolved.Role, edge.Action) {
			continue
		}
		out = append(out, optionFor(edge))
	}
	if ri := e.Workflow.RequestInfoAction(); e.Workflow.AllowsRequestInfo(c.Status) && e.Gate.RoleAllows(resolved.Role, ri) &&
		e.Gate.RoleOwnsStage(resolved.Role, e.stageOf(c.Status)) {
		out = append(out, ActionOption{Action: ri, To: c.Status, Stage: e.stageOf(c.Status), RequiresComment: true})
	}
	return out, nil
}

func optionFor(edge workflow.Edge) ActionOption {
	return ActionOption{
		Action:          edge.Action,
		To:              edge.To,
		Stage:           edge.Stage,
		RequiresComment: edge.Decision,
		MinDocuments:    edge.MinDocuments,
	}
}

func (e Engine) stageOf(status string) string {
	s, _ := e.Workflow.StageFor(status)
	return s
}
