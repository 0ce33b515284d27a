package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/auth"
	"caseflow/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	admin        = auth.Actor{Username: "admin"}
	initiator    = auth.Actor{Username: "ines"}
	investigator = auth.Actor{Username: "ivan"}
	reviewer     = auth.Actor{Username: "rita"}
	approver     = auth.Actor{Username: "arun"}
	legal        = auth.Actor{Username: "lena"}
	actioner     = auth.Actor{Username: "otto"}
)

// tickingClock advances one second per call so every write gets a distinct
// timestamp.
func tickingClock() func() time.Time {
	var n int64
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Second)
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng, err := engine.New(conn, config.Default())
	require.NoError(t, err)
	eng.Now = tickingClock()
	ctx := context.Background()

	users := map[string]string{
		admin.Username:        auth.RoleAdmin,
		initiator.Username:    auth.RoleInitiator,
		investigator.Username: auth.RoleInvestigator,
		reviewer.Username:     auth.RoleReviewer,
		approver.Username:     auth.RoleApprover,
		legal.Username:        auth.RoleLegalReviewer,
		actioner.Username:     auth.RoleActioner,
	}
	for name, role := range users {
		_, err := eng.RegisterUser(ctx, domain.User{Username: name, Role: role, Active: true}, "")
		require.NoError(t, err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createCase(t *testing.T, id string) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseInput{
		ID:       id,
		CaseType: "Payment Default",
		Product:  "Personal Loan",
		Region:   "North",
		Customer: domain.Customer{Name: "Asha Rao", Mobile: "9000000001"},
		Actor:    initiator,
	})
	require.NoError(t, err)
	return c
}

// forceStatus puts a case at status without going through the engine.
func (env testEnv) forceStatus(t *testing.T, id, status string) {
	t.Helper()
	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE cases SET status=? WHERE case_id=?`, status, id)
	require.NoError(t, err)
}

func (env testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n))
	return n
}

func (env testEnv) audit(t *testing.T, id string) []domain.AuditEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListAudit(env.Ctx, id)
	require.NoError(t, err)
	return entries
}

func requireKind(t *testing.T, err error, kind engine.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, engine.KindOf(err), "error: %v", err)
}

func TestCreateCaseWritesRegistrationHistory(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, "TC001")
	assert.Equal(t, "Registered", c.Status)
	assert.Equal(t, initiator.Username, c.CreatedBy)

	entries := env.audit(t, "TC001")
	require.Len(t, entries, 1)
	assert.Equal(t, "Case Created", entries[0].Action)

	flow, err := env.Engine.GetFlowData(env.Ctx, "TC001")
	require.NoError(t, err)
	reg, ok := flow.Stages[domain.StageCaseRegistration]
	require.True(t, ok)
	data, ok := reg.Data.(domain.RegistrationData)
	require.True(t, ok)
	assert.Equal(t, "Personal Loan", data.Product)
	require.NotNil(t, data.Customer)
	assert.Equal(t, "Asha Rao", data.Customer.Name)

	_, err = env.Engine.CreateCase(env.Ctx, engine.CaseInput{ID: "TC001", Actor: initiator})
	requireKind(t, err, engine.KindValidation)
}

func TestCreateCaseRejectsNonInitialStatus(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseInput{ID: "TC009", Status: "Approved", Actor: initiator})
	requireKind(t, err, engine.KindValidation)

	_, err = env.Engine.CreateCase(env.Ctx, engine.CaseInput{ID: "TC009", Actor: reviewer})
	requireKind(t, err, engine.KindPermissionDenied)
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM cases`))
}

func TestAllocateMovesCaseAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC001")
	before := len(env.audit(t, "TC001"))

	res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID:  "TC001",
		Action:  "Allocate",
		Actor:   investigator,
		Payload: json.RawMessage(`{"assigned_to":"agency-7","priority":"High","customer":{"email":"asha@example.com"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Registered", res.From)
	assert.Equal(t, "Allocated", res.To)
	assert.Equal(t, "Allocated", res.Case.Status)
	assert.Equal(t, int64(2), res.Case.Version)
	assert.Equal(t, "asha@example.com", res.Case.Customer.Email)
	assert.Equal(t, "Asha Rao", res.Case.Customer.Name)

	entries := env.audit(t, "TC001")
	require.Len(t, entries, before+1)
	last := entries[len(entries)-1]
	assert.Equal(t, "Status Update: Allocated", last.Action)
	assert.Equal(t, "Allocate: Registered -> Allocated", last.Details)
	assert.Equal(t, investigator.Username, last.Actor)

	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM stage_snapshots WHERE case_id=? AND stage=?`, "TC001", domain.StageCaseAllocation))
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM events WHERE case_id=? AND type='case.transitioned'`, "TC001"))
}

func TestDecisionWithoutCommentIsRejectedBeforeRoleCheck(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC002")
	env.forceStatus(t, "TC002", "Under Review")

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC002", Action: "Approve", Actor: investigator})
	requireKind(t, err, engine.KindValidation)
	assert.True(t, errors.Is(err, engine.ErrValidation))

	c, err := env.Engine.GetCase(env.Ctx, "TC002")
	require.NoError(t, err)
	assert.Equal(t, "Under Review", c.Status)
}

func TestTerminalCaseRejectsEveryAction(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC003")
	env.forceStatus(t, "TC003", "Closed")

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC003", Action: "Approve", Actor: admin, Comment: "ok"})
	requireKind(t, err, engine.KindInvalidTransition)

	for _, action := range []string{"Allocate", "Close", "Reject"} {
		_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC003", Action: action, Actor: admin, Comment: "again"})
		requireKind(t, err, engine.KindInvalidTransition)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC003", Action: "Request Info", Actor: admin, Comment: "why?", TargetStage: domain.StageFinalReview,
	})
	requireKind(t, err, engine.KindInvalidTransition)

	actions, err := env.Engine.AvailableActions(env.Ctx, "TC003", admin)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestInteractionOutsideAdjacencyIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC004")

	_, err := env.Engine.CreateInteractionRequest(env.Ctx, engine.InteractionInput{
		CaseID:    "TC004",
		FromStage: domain.StageLegalReview,
		ToStage:   domain.StageCaseRegistration,
		Message:   "Need the original complaint",
		Actor:     legal,
	})
	requireKind(t, err, engine.KindInteractionAdjacency)
	var e *engine.Error
	require.True(t, errors.As(err, &e))
	assert.ElementsMatch(t, []string{domain.StageFinalReview, domain.StagePrimaryReview}, e.Details["allowed"])
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM interaction_requests`))
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC005")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
				CaseID:         "TC005",
				Action:         "Allocate",
				Actor:          investigator,
				ExpectedStatus: "Registered",
			})
		}(i)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrStaleTransition):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)
	assert.Equal(t, 1, env.count(t, `SELECT COUNT(*) FROM audit_log WHERE case_id=? AND action='Status Update: Allocated'`, "TC005"))
}

func TestStaleExpectedStatus(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC006")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC006", Action: "Allocate", Actor: investigator})
	require.NoError(t, err)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC006", Action: "Allocate", Actor: investigator, ExpectedStatus: "Registered",
	})
	requireKind(t, err, engine.KindStaleTransition)
	var e *engine.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Allocated", e.Details["actual"])
}

func TestPermissionDeniedLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC007")
	env.forceStatus(t, "TC007", "Under Review")
	auditBefore := len(env.audit(t, "TC007"))
	eventsBefore := env.count(t, `SELECT COUNT(*) FROM events`)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC007", Action: "Approve", Actor: investigator, Comment: "looks fine"})
	requireKind(t, err, engine.KindPermissionDenied)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC007", Action: "Approve", Actor: auth.Actor{Username: "ghost"}, Comment: "x"})
	requireKind(t, err, engine.KindPermissionDenied)

	assert.Len(t, env.audit(t, "TC007"), auditBefore)
	assert.Equal(t, eventsBefore, env.count(t, `SELECT COUNT(*) FROM events`))
	c, err := env.Engine.GetCase(env.Ctx, "TC007")
	require.NoError(t, err)
	assert.Equal(t, "Under Review", c.Status)
}

func TestInactiveUserAndRoleSwitching(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC008")
	env.forceStatus(t, "TC008", "Under Review")

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC008", Action: "Approve", Comment: "ok",
		Actor: auth.Actor{Username: investigator.Username, Role: auth.RoleReviewer},
	})
	requireKind(t, err, engine.KindPermissionDenied)

	_, err = env.Engine.RegisterUser(env.Ctx, domain.User{Username: "multi", Role: auth.RoleInvestigator, Active: true, AllRolesAccess: true}, "")
	require.NoError(t, err)
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC008", Action: "Approve", Comment: "ok",
		Actor: auth.Actor{Username: "multi", Role: auth.RoleReviewer},
	})
	require.NoError(t, err)
	assert.Equal(t, "Approved", res.To)
	require.NotNil(t, res.Case.ApprovedBy)
	assert.Equal(t, "multi", *res.Case.ApprovedBy)

	require.NoError(t, env.Engine.SetUserActive(env.Ctx, "multi", false))
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC008", Action: "Approve L2", Comment: "ok",
		Actor: auth.Actor{Username: "multi", Role: auth.RoleApprover},
	})
	requireKind(t, err, engine.KindPermissionDenied)
}

func TestAuditFailureRollsBackTransition(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC010")
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_status_audit BEFORE INSERT ON audit_log
WHEN NEW.action LIKE 'Status Update:%' BEGIN SELECT RAISE(ABORT, 'audit unavailable'); END`)
	require.NoError(t, err)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC010", Action: "Allocate", Actor: investigator})
	require.Error(t, err)

	c, err := env.Engine.GetCase(env.Ctx, "TC010")
	require.NoError(t, err)
	assert.Equal(t, "Registered", c.Status)
	assert.Equal(t, int64(1), c.Version)
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM stage_snapshots WHERE case_id=? AND stage=?`, "TC010", domain.StageCaseAllocation))
	assert.Equal(t, 0, env.count(t, `SELECT COUNT(*) FROM events WHERE type='case.transitioned'`))
}

func TestFullLifecycleStampsDecisions(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC011")
	steps := []struct {
		action  string
		actor   auth.Actor
		comment string
		want    string
	}{
		{"Allocate", investigator, "", "Allocated"},
		{"Start Agency Investigation", investigator, "", "Agency Investigation"},
		{"Submit for Review", investigator, "", "Under Review"},
		{"Approve", reviewer, "evidence is solid", "Approved"},
		{"Approve L2", approver, "concur", "Approver 2"},
		{"Finalize", approver, "ready", "Final Review"},
		{"Refer to Legal", legal, "file FIR", "Legal Review"},
		{"Close", actioner, "recovered", "Closed"},
	}
	for _, step := range steps {
		res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC011", Action: step.action, Actor: step.actor, Comment: step.comment})
		require.NoError(t, err, step.action)
		assert.Equal(t, step.want, res.Case.Status)
	}
	c, err := env.Engine.GetCase(env.Ctx, "TC011")
	require.NoError(t, err)
	require.NotNil(t, c.ReviewedBy)
	assert.Equal(t, investigator.Username, *c.ReviewedBy)
	require.NotNil(t, c.ApprovedBy)
	assert.Equal(t, reviewer.Username, *c.ApprovedBy)
	require.NotNil(t, c.LegalReviewedBy)
	assert.Equal(t, legal.Username, *c.LegalReviewedBy)
	require.NotNil(t, c.ClosedBy)
	assert.Equal(t, actioner.Username, *c.ClosedBy)

	// One audit entry per transition on top of the creation entry.
	assert.Len(t, env.audit(t, "TC011"), 1+len(steps))
	comments, err := env.Engine.Repo.ListComments(env.Ctx, "TC011")
	require.NoError(t, err)
	assert.Len(t, comments, 5)
	assert.Equal(t, "Status Change to Approved", comments[0].Type)

	prog, err := env.Engine.GetWorkflowProgression(env.Ctx, "TC011")
	require.NoError(t, err)
	assert.Equal(t, domain.StageClosure, prog.CurrentStage)
	states := map[string]string{}
	for _, s := range prog.Stages {
		states[s.Stage] = s.State
	}
	assert.Equal(t, domain.ProgressCompleted, states[domain.StageLegalReview])
	assert.Equal(t, domain.ProgressPending, states[domain.StageRegionalInvestigation])
	assert.Equal(t, domain.ProgressCurrent, states[domain.StageClosure])
}

func TestMinDocumentsGate(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	for i := range cfg.Workflow.Transitions {
		if cfg.Workflow.Transitions[i].Action == "Allocate" {
			cfg.Workflow.Transitions[i].MinDocuments = 1
		}
	}
	eng, err := engine.New(env.Engine.DB, cfg)
	require.NoError(t, err)
	env.Engine = eng
	env.createCase(t, "TC012")

	_, err = eng.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC012", Action: "Allocate", Actor: investigator})
	requireKind(t, err, engine.KindValidation)

	_, err = eng.AttachDocument(env.Ctx, "TC012", engine.DocumentInput{Filename: "statement.pdf", Size: 2048, Actor: initiator})
	require.NoError(t, err)
	_, err = eng.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC012", Action: "Allocate", Actor: investigator})
	require.NoError(t, err)
}

func TestInvalidPayloadIsValidationError(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC013")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC013", Action: "Allocate", Actor: investigator,
		Payload: json.RawMessage(`{"priority":"Whenever"}`),
	})
	requireKind(t, err, engine.KindValidation)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC013", Action: "Allocate", Actor: investigator,
		Payload: json.RawMessage(`{"colour":"blue"}`),
	})
	requireKind(t, err, engine.KindValidation)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "TC013", Action: "Teleport", Actor: admin})
	requireKind(t, err, engine.KindValidation)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{CaseID: "missing", Action: "Allocate", Actor: investigator})
	requireKind(t, err, engine.KindNotFound)
}

func TestLatestSnapshotWins(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC014")
	env.forceStatus(t, "TC014", "Agency Investigation")

	_, err := env.Engine.RecordStageData(env.Ctx, "TC014", domain.StageAgencyInvestigation, json.RawMessage(`{"summary":"first pass"}`), investigator)
	require.NoError(t, err)
	_, err = env.Engine.RecordStageData(env.Ctx, "TC014", domain.StageAgencyInvestigation, json.RawMessage(`{"summary":"second pass"}`), investigator)
	require.NoError(t, err)

	flow, err := env.Engine.GetFlowData(env.Ctx, "TC014")
	require.NoError(t, err)
	data, ok := flow.Stages[domain.StageAgencyInvestigation].Data.(domain.InvestigationData)
	require.True(t, ok)
	assert.Equal(t, "second pass", data.Summary)

	history, err := env.Engine.StageHistory(env.Ctx, "TC014", domain.StageAgencyInvestigation)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	prev, err := env.Engine.PreviousStageData(env.Ctx, "TC014", domain.StagePrimaryReview)
	require.NoError(t, err)
	assert.Contains(t, prev, domain.StageCaseRegistration)
	assert.Contains(t, prev, domain.StageAgencyInvestigation)
	assert.NotContains(t, prev, domain.StagePrimaryReview)

	_, err = env.Engine.RecordStageData(env.Ctx, "TC014", domain.StageLegalReview, json.RawMessage(`{}`), investigator)
	requireKind(t, err, engine.KindPermissionDenied)
}

func TestInteractionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC015")
	env.forceStatus(t, "TC015", "Under Review")
	auditBefore := len(env.audit(t, "TC015"))

	ir, err := env.Engine.CreateInteractionRequest(env.Ctx, engine.InteractionInput{
		CaseID:      "TC015",
		FromStage:   domain.StagePrimaryReview,
		ToStage:     domain.StageAgencyInvestigation,
		RequestType: "Missing Documents",
		Message:     "Please upload the field visit report",
		Actor:       reviewer,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InteractionPending, ir.Status)

	pending, err := env.Engine.PendingInteractions(env.Ctx, domain.StageAgencyInvestigation)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = env.Engine.RespondToInteraction(env.Ctx, ir.ID, "uploaded", reviewer)
	requireKind(t, err, engine.KindPermissionDenied)
	_, err = env.Engine.RespondToInteraction(env.Ctx, ir.ID, "  ", investigator)
	requireKind(t, err, engine.KindValidation)

	answered, err := env.Engine.RespondToInteraction(env.Ctx, ir.ID, "uploaded", investigator)
	require.NoError(t, err)
	assert.Equal(t, domain.InteractionResponded, answered.Status)
	require.NotNil(t, answered.Response)
	assert.Equal(t, "uploaded", *answered.Response)

	_, err = env.Engine.RespondToInteraction(env.Ctx, ir.ID, "again", investigator)
	requireKind(t, err, engine.KindInvalidTransition)
	_, err = env.Engine.MarkInteractionReviewed(env.Ctx, ir.ID, reviewer)
	requireKind(t, err, engine.KindInvalidTransition)

	entries := env.audit(t, "TC015")
	require.Len(t, entries, auditBefore+2)
	assert.Equal(t, "Interaction Request Created", entries[auditBefore].Action)
	assert.Equal(t, "Interaction Request Responded", entries[auditBefore+1].Action)

	comments, err := env.Engine.Repo.ListComments(env.Ctx, "TC015")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "INTERACTION REQUEST from Primary Review to Agency Investigation: Please upload the field visit report", comments[0].Body)
	assert.Equal(t, "INTERACTION RESPONSE from Agency Investigation to Primary Review: uploaded", comments[1].Body)

	pending, err = env.Engine.PendingInteractions(env.Ctx, domain.StageAgencyInvestigation)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRequestInfoOpensInteractionWithoutMovingCase(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC016")
	env.forceStatus(t, "TC016", "Under Review")

	res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID:      "TC016",
		Action:      "Request Info",
		Actor:       reviewer,
		Comment:     "Which branch disbursed?",
		TargetStage: domain.StageCaseAllocation,
		RequestType: "Clarification Needed",
	})
	require.NoError(t, err)
	assert.Equal(t, "Under Review", res.To)
	require.NotNil(t, res.Interaction)
	assert.Equal(t, domain.StagePrimaryReview, res.Interaction.FromStage)

	reviewed, err := env.Engine.MarkInteractionReviewed(env.Ctx, res.Interaction.ID, investigator)
	require.NoError(t, err)
	assert.Equal(t, domain.InteractionReviewed, reviewed.Status)
	assert.Nil(t, reviewed.Response)

	c, err := env.Engine.GetCase(env.Ctx, "TC016")
	require.NoError(t, err)
	assert.Equal(t, "Under Review", c.Status)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC016", Action: "Request Info", Actor: reviewer, Comment: "x", TargetStage: domain.StageClosure,
	})
	requireKind(t, err, engine.KindInteractionAdjacency)
}

func TestAvailableActionsFollowRole(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC017")
	env.forceStatus(t, "TC017", "Allocated")

	actions, err := env.Engine.AvailableActions(env.Ctx, "TC017", investigator)
	require.NoError(t, err)
	var names []string
	for _, a := range actions {
		names = append(names, a.Action)
	}
	assert.Equal(t, []string{"Start Agency Investigation", "Start Investigation", "Start Regional Investigation", "Request Info"}, names)

	actions, err = env.Engine.AvailableActions(env.Ctx, "TC017", initiator)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestCommentsDocumentsAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC018")
	env.createCase(t, "TC019")

	_, err := env.Engine.AddComment(env.Ctx, "TC018", "", "", initiator)
	requireKind(t, err, engine.KindValidation)
	cm, err := env.Engine.AddComment(env.Ctx, "TC018", "Called the customer", "", initiator)
	require.NoError(t, err)
	assert.Equal(t, "General", cm.Type)

	doc, err := env.Engine.AttachDocument(env.Ctx, "TC018", engine.DocumentInput{Filename: "../kyc.pdf", Size: 10, Actor: investigator})
	require.NoError(t, err)
	assert.Equal(t, "kyc.pdf", doc.OriginalFilename)
	assert.Equal(t, doc.ID+".pdf", doc.Filename)

	entries := env.audit(t, "TC018")
	require.Len(t, entries, 3)
	assert.Equal(t, "Comment Added", entries[1].Action)
	assert.Equal(t, "Document Uploaded", entries[2].Action)

	stats, err := env.Engine.Stats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus["Registered"])

	related, err := env.Engine.AnalyzeComplexity(env.Ctx, "TC018")
	require.NoError(t, err)
	assert.Contains(t, related.Factors, "Multiple cases from same customer (2 cases)")
}

func TestUpsertUserRequiresSuperuser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpsertUser(env.Ctx, domain.User{Username: "new", Role: auth.RoleReviewer, Active: true}, reviewer)
	requireKind(t, err, engine.KindPermissionDenied)

	_, err = env.Engine.UpsertUser(env.Ctx, domain.User{Username: "new", Role: "Janitor", Active: true}, admin)
	requireKind(t, err, engine.KindValidation)

	u, err := env.Engine.UpsertUser(env.Ctx, domain.User{Username: "new", Role: auth.RoleReviewer, Active: true}, admin)
	require.NoError(t, err)
	assert.NotEmpty(t, u.CreatedAt)

	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, "new", "ci")
	require.NoError(t, err)
	assert.NotEqual(t, plain, key.KeyHash)
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Username)
}

func TestRequestInfoRequiresStageOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC030")
	env.forceStatus(t, "TC030", "Under Review")

	_, err := env.Engine.CreateInteractionRequest(env.Ctx, engine.InteractionInput{
		CaseID: "TC030", FromStage: domain.StagePrimaryReview, ToStage: domain.StageCaseAllocation,
		Message: "Which branch?", Actor: actioner,
	})
	requireKind(t, err, engine.KindPermissionDenied)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC030", Action: "Request Info", Actor: actioner, Comment: "Which branch?",
		TargetStage: domain.StageCaseAllocation,
	})
	requireKind(t, err, engine.KindPermissionDenied)
	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM interaction_requests WHERE case_id=?`, "TC030"))

	actions, err := env.Engine.AvailableActions(env.Ctx, "TC030", actioner)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestNoInteractionRequestsOnTerminalCase(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC031")
	env.forceStatus(t, "TC031", "Closed")
	audits := len(env.audit(t, "TC031"))

	_, err := env.Engine.CreateInteractionRequest(env.Ctx, engine.InteractionInput{
		CaseID: "TC031", FromStage: domain.StageClosure, ToStage: domain.StageLegalReview,
		Message: "Recovery status?", Actor: actioner,
	})
	requireKind(t, err, engine.KindInvalidTransition)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		CaseID: "TC031", Action: "Request Info", Actor: actioner, Comment: "Recovery status?",
		TargetStage: domain.StageLegalReview,
	})
	requireKind(t, err, engine.KindInvalidTransition)

	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM interaction_requests WHERE case_id=?`, "TC031"))
	assert.Len(t, env.audit(t, "TC031"), audits)
}

func TestRequestInfoRacingCloseNeverFollowsIt(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "TC032")
	env.forceStatus(t, "TC032", "Final Review")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
				CaseID: "TC032", Action: "Request Info", Actor: actioner, Comment: "Sign-off memo?",
				TargetStage: domain.StageApprover2,
			})
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
			CaseID: "TC032", Action: "Close", Actor: actioner, Comment: "Recovered in full",
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	opened := 0
	for _, err := range errs {
		switch engine.KindOf(err) {
		case "":
			require.NoError(t, err)
			opened++
		case engine.KindStaleTransition, engine.KindInvalidTransition:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, opened, env.count(t, `SELECT COUNT(*) FROM interaction_requests WHERE case_id=?`, "TC032"))
	assert.Zero(t, env.count(t, `SELECT COUNT(*) FROM audit_log WHERE case_id=? AND action='Interaction Request Created'
AND id > (SELECT id FROM audit_log WHERE case_id=? AND action='Status Update: Closed')`, "TC032", "TC032"))
}
