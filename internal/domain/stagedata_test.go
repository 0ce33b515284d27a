package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStageDataVariants(t *testing.T) {
	cases := []struct {
		stage string
		raw   string
		kind  string
	}{
		{StageCaseRegistration, `{"product":"Home Loan","customer":{"name":"A. Rao"}}`, "registration"},
		{StageCaseAllocation, `{"priority":"High","assigned_to":"ivan"}`, "allocation"},
		{StageAgencyInvestigation, `{"agency":"Acme","fraud_indicators":["forged payslip"]}`, "investigation"},
		{StageRegionalInvestigation, `{"risk_assessment":"Low"}`, "investigation"},
		{StagePrimaryReview, `{"decision":"Approve","risk_category":"Medium"}`, "review"},
		{StageApprover2, `{"level":2}`, "approval"},
		{StageLegalReview, `{"fir_number":"FIR-12"}`, "legal_review"},
		{StageClosure, `{"recovery_amount":1200.5}`, "closure"},
		{"Field Visit", `{"anything":true}`, "generic"},
	}
	for _, tc := range cases {
		t.Run(tc.stage, func(t *testing.T) {
			data, err := DecodeStageData(tc.stage, json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, data.Kind())
		})
	}
}

func TestDecodeStageDataStrict(t *testing.T) {
	_, err := DecodeStageData(StageCaseAllocation, json.RawMessage(`{"priority":"High","colour":"red"}`))
	require.Error(t, err)
	var sde StageDataError
	require.ErrorAs(t, err, &sde)
	assert.Equal(t, StageCaseAllocation, sde.Stage)
	assert.Contains(t, err.Error(), "colour")

	_, err = DecodeStageData(StageCaseAllocation, json.RawMessage(`{"priority":"Urgent"}`))
	assert.Error(t, err)

	_, err = DecodeStageData(StageClosure, json.RawMessage(`{"recovery_amount":-1}`))
	assert.Error(t, err)

	_, err = DecodeStageData(StageCaseRegistration, json.RawMessage(`{"customer":{"email":"not-an-email"}}`))
	assert.Error(t, err)

	_, err = DecodeStageData("Field Visit", json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestDecodeStageDataEmpty(t *testing.T) {
	data, err := DecodeStageData(StagePrimaryReview, nil)
	require.NoError(t, err)
	assert.Equal(t, ReviewData{}, data)

	data, err = DecodeStageData(StageApprover1, json.RawMessage(" null "))
	require.NoError(t, err)
	assert.Equal(t, ApprovalData{}, data)

	data, err = DecodeStageData("Field Visit", nil)
	require.NoError(t, err)
	assert.Equal(t, GenericStageData{}, data)
}

func TestCustomerSources(t *testing.T) {
	data, err := DecodeStageData(StageCaseAllocation, json.RawMessage(`{"customer":{"mobile":"9800000000"}}`))
	require.NoError(t, err)
	src, ok := data.(CustomerSource)
	require.True(t, ok)
	assert.Equal(t, "9800000000", src.CustomerDetails().Mobile)

	var review StageData = ReviewData{}
	_, ok = review.(CustomerSource)
	assert.False(t, ok)
}

func TestCustomerMergeAndValidate(t *testing.T) {
	amount := 250000.0
	c := Customer{Name: "A. Rao", Mobile: "9800000000"}
	c.Merge(Customer{Email: "rao@example.com", LoanAmount: &amount})

	assert.Equal(t, "A. Rao", c.Name)
	assert.Equal(t, "rao@example.com", c.Email)
	require.NotNil(t, c.LoanAmount)
	amount = 1
	assert.Equal(t, 250000.0, *c.LoanAmount)

	assert.NoError(t, ValidateCustomer(c))
	assert.Error(t, ValidateCustomer(Customer{Email: "rao-at-example"}))
	assert.True(t, Customer{}.IsZero())
	assert.False(t, c.IsZero())
}

func TestStageSnapshotJSON(t *testing.T) {
	in := StageSnapshot{ID: 3, CaseID: "C-1", Stage: StageClosure, Actor: "rita", Data: ClosureData{Reason: "Recovered"}}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out StageSnapshot
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}
