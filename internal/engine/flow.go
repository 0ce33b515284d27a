package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
)

// RecordStageData appends a snapshot for stage without moving the case.
// Snapshots are never overwritten; readers take the latest per stage.
func (e Engine) RecordStageData(ctx context.Context, caseID, stage string, payload json.RawMessage, actor auth.Actor) (domain.StageSnapshot, error) {
	if !e.Workflow.IsStage(stage) {
		return domain.StageSnapshot{}, validationError("unknown stage %q", stage)
	}
	data, err := domain.DecodeStageData(stage, payload)
	if err != nil {
		return domain.StageSnapshot{}, newError(KindValidation, map[string]any{"stage": stage}, "%v", err)
	}
	resolved, err := e.Gate.AuthorizeStage(ctx, actor, stage, "record stage data")
	if err != nil {
		return domain.StageSnapshot{}, fromGate(err)
	}
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return domain.StageSnapshot{}, err
	}
	if e.Workflow.IsTerminal(c.Status) {
		return domain.StageSnapshot{}, newError(KindInvalidTransition, map[string]any{"status": c.Status},
			"case %s is %s and no longer accepts stage data", c.ID, c.Status)
	}

	unlock := e.lockCase(c.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageSnapshot{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	snap := domain.StageSnapshot{CaseID: c.ID, Stage: stage, Actor: resolved.Username, Data: data, CreatedAt: now}
	snap.ID, err = e.Repo.InsertSnapshot(ctx, tx, snap)
	if err != nil {
		return domain.StageSnapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := e.mergeCustomer(ctx, tx, c.ID, data, now); err != nil {
		return domain.StageSnapshot{}, err
	}
	if _, err := e.writeAudit(ctx, tx, c.ID, stage+" Data Saved", "Stage data recorded", resolved.Username, now); err != nil {
		return domain.StageSnapshot{}, fmt.Errorf("write audit: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.StageRecorded, c.ID, "stage", stage, resolved.Username, events.EventPayload{
		"stage": stage,
		"kind":  data.Kind(),
	}); err != nil {
		return domain.StageSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageSnapshot{}, err
	}
	return snap, nil
}

// latestSnapshots keeps the most recent snapshot of each stage. Snapshots
// arrive ordered by created_at then id, so later entries win.
func latestSnapshots(all []domain.StageSnapshot) map[string]domain.StageSnapshot {
	out := make(map[string]domain.StageSnapshot, len(all))
	for _, s := range all {
		out[s.Stage] = s
	}
	return out
}

// GetFlowData reconstructs the full history of a case.
func (e Engine) GetFlowData(ctx context.Context, caseID string) (domain.FlowData, error) {
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return domain.FlowData{}, err
	}
	comments, err := e.Repo.ListComments(ctx, caseID)
	if err != nil {
		return domain.FlowData{}, err
	}
	audit, err := e.Repo.ListAudit(ctx, caseID)
	if err != nil {
		return domain.FlowData{}, err
	}
	docs, err := e.Repo.ListDocuments(ctx, caseID)
	if err != nil {
		return domain.FlowData{}, err
	}
	snaps, err := e.Repo.ListSnapshots(ctx, caseID)
	if err != nil {
		return domain.FlowData{}, err
	}
	return domain.FlowData{
		Case:      c,
		Comments:  nonNil(comments),
		Audit:     nonNil(audit),
		Documents: nonNil(docs),
		Stages:    latestSnapshots(snaps),
	}, nil
}

// StageHistory returns every snapshot recorded for stage, oldest first.
func (e Engine) StageHistory(ctx context.Context, caseID, stage string) ([]domain.StageSnapshot, error) {
	if _, err := e.loadCase(ctx, caseID); err != nil {
		return nil, err
	}
	snaps, err := e.Repo.ListSnapshots(ctx, caseID)
	if err != nil {
		return nil, err
	}
	out := []domain.StageSnapshot{}
	for _, s := range snaps {
		if s.Stage == stage {
			out = append(out, s)
		}
	}
	return out, nil
}

// PreviousStageData returns the latest snapshot of every stage that precedes
// stage in the sequence.
func (e Engine) PreviousStageData(ctx context.Context, caseID, stage string) (map[string]domain.StageSnapshot, error) {
	if !e.Workflow.IsStage(stage) {
		return nil, validationError("unknown stage %q", stage)
	}
	if _, err := e.loadCase(ctx, caseID); err != nil {
		return nil, err
	}
	snaps, err := e.Repo.ListSnapshots(ctx, caseID)
	if err != nil {
		return nil, err
	}
	latest := latestSnapshots(snaps)
	out := map[string]domain.StageSnapshot{}
	for _, s := range e.Workflow.StagesBefore(stage) {
		if snap, ok := latest[s]; ok {
			out[s] = snap
		}
	}
	return out, nil
}

// GetWorkflowProgression marks each stage completed, current or pending.
// A stage with a snapshot is completed even if the case sits at it.
func (e Engine) GetWorkflowProgression(ctx context.Context, caseID string) (domain.Progression, error) {
	c, err := e.loadCase(ctx, caseID)
	if err != nil {
		return domain.Progression{}, err
	}
	snaps, err := e.Repo.ListSnapshots(ctx, caseID)
	if err != nil {
		return domain.Progression{}, err
	}
	return progression(e.Workflow.Stages(), e.stageOf(c.Status), c, latestSnapshots(snaps)), nil
}

func progression(stages []string, current string, c domain.Case, latest map[string]domain.StageSnapshot) domain.Progression {
	p := domain.Progression{CaseID: c.ID, Status: c.Status, CurrentStage: current, Stages: make([]domain.StageProgress, 0, len(stages))}
	for _, s := range stages {
		state := domain.ProgressPending
		if _, done := latest[s]; done {
			state = domain.ProgressCompleted
		} else if s == current {
			state = domain.ProgressCurrent
		}
		p.Stages = append(p.Stages, domain.StageProgress{Stage: s, State: state})
	}
	return p
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
