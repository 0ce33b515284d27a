package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Stage names of the fixed workflow sequence.
const (
	StageCaseRegistration      = "Case Registration"
	StageCaseAllocation        = "Case Allocation"
	StageAgencyInvestigation   = "Agency Investigation"
	StageRegionalInvestigation = "Regional Investigation"
	StagePrimaryReview         = "Primary Review"
	StageApprover1             = "Approver 1"
	StageApprover2             = "Approver 2"
	StageFinalReview           = "Final Review"
	StageLegalReview           = "Legal Review"
	StageClosure               = "Closure"
)

// StageData is the payload a stage captures. Each known stage has its own
// variant; unknown stages decode into GenericStageData.
type StageData interface {
	Kind() string
}

// CustomerSource is implemented by variants that carry customer details to be
// merged onto the case record.
type CustomerSource interface {
	CustomerDetails() *Customer
}

type RegistrationData struct {
	CaseType    string    `json:"case_type,omitempty"`
	Product     string    `json:"product,omitempty"`
	Region      string    `json:"region,omitempty"`
	ReferredBy  string    `json:"referred_by,omitempty"`
	Description string    `json:"description,omitempty"`
	CaseDate    string    `json:"case_date,omitempty"`
	Customer    *Customer `json:"customer,omitempty"`
}

func (RegistrationData) Kind() string                 { return "registration" }
func (d RegistrationData) CustomerDetails() *Customer { return d.Customer }

type AllocationData struct {
	InvestigationType   string    `json:"investigation_type,omitempty"`
	AssignedTo          string    `json:"assigned_to,omitempty"`
	Priority            string    `json:"priority,omitempty" validate:"omitempty,oneof=Low Medium High Critical"`
	ExpectedCompletion  string    `json:"expected_completion,omitempty"`
	Notes               string    `json:"notes,omitempty"`
	SpecialInstructions string    `json:"special_instructions,omitempty"`
	Customer            *Customer `json:"customer,omitempty"`
}

func (AllocationData) Kind() string                 { return "allocation" }
func (d AllocationData) CustomerDetails() *Customer { return d.Customer }

// InvestigationData serves both agency and regional investigations.
type InvestigationData struct {
	Agency            string   `json:"agency,omitempty"`
	Summary           string   `json:"summary,omitempty"`
	Findings          string   `json:"findings,omitempty"`
	FraudIndicators   []string `json:"fraud_indicators,omitempty"`
	EvidenceCollected []string `json:"evidence_collected,omitempty"`
	RiskAssessment    string   `json:"risk_assessment,omitempty" validate:"omitempty,oneof=Low Medium High Critical"`
	Recommendation    string   `json:"recommendation,omitempty"`
}

func (InvestigationData) Kind() string { return "investigation" }

type ReviewData struct {
	Decision     string `json:"decision,omitempty"`
	Findings     string `json:"findings,omitempty"`
	RiskCategory string `json:"risk_category,omitempty" validate:"omitempty,oneof=Low Medium High Critical"`
	Remarks      string `json:"remarks,omitempty"`
}

func (ReviewData) Kind() string { return "review" }

// ApprovalData serves both approver levels and the final review.
type ApprovalData struct {
	Decision   string   `json:"decision,omitempty"`
	Level      int      `json:"level,omitempty" validate:"omitempty,min=1,max=3"`
	Conditions []string `json:"conditions,omitempty"`
	Remarks    string   `json:"remarks,omitempty"`
}

func (ApprovalData) Kind() string { return "approval" }

type LegalReviewData struct {
	Opinion              string `json:"opinion,omitempty"`
	LawEnforcementAgency string `json:"law_enforcement_agency,omitempty"`
	FIRNumber            string `json:"fir_number,omitempty"`
	ReferralDate         string `json:"referral_date,omitempty"`
	RecoveryAction       string `json:"recovery_action,omitempty"`
	Remarks              string `json:"remarks,omitempty"`
}

func (LegalReviewData) Kind() string { return "legal_review" }

type ClosureData struct {
	Reason         string   `json:"reason,omitempty"`
	Outcome        string   `json:"outcome,omitempty"`
	RecoveryAmount *float64 `json:"recovery_amount,omitempty" validate:"omitempty,gte=0"`
	Remarks        string   `json:"remarks,omitempty"`
}

func (ClosureData) Kind() string { return "closure" }

// GenericStageData keeps the payload of a stage without a dedicated variant.
type GenericStageData map[string]any

func (GenericStageData) Kind() string { return "generic" }

var stageVariants = map[string]func() StageData{
	StageCaseRegistration:      func() StageData { return &RegistrationData{} },
	StageCaseAllocation:        func() StageData { return &AllocationData{} },
	StageAgencyInvestigation:   func() StageData { return &InvestigationData{} },
	StageRegionalInvestigation: func() StageData { return &InvestigationData{} },
	StagePrimaryReview:         func() StageData { return &ReviewData{} },
	StageApprover1:             func() StageData { return &ApprovalData{} },
	StageApprover2:             func() StageData { return &ApprovalData{} },
	StageFinalReview:           func() StageData { return &ApprovalData{} },
	StageLegalReview:           func() StageData { return &LegalReviewData{} },
	StageClosure:               func() StageData { return &ClosureData{} },
}

var validate = validator.New()

// StageDataError reports a payload that does not fit its stage variant.
type StageDataError struct {
	Stage string
	Err   error
}

func (e StageDataError) Error() string {
	return fmt.Sprintf("invalid %s data: %v", e.Stage, e.Err)
}

func (e StageDataError) Unwrap() error { return e.Err }

// DecodeStageData decodes raw into the variant registered for stage. Known
// stages reject unknown fields. An empty payload yields the zero variant.
func DecodeStageData(stage string, raw json.RawMessage) (StageData, error) {
	trimmed := bytes.TrimSpace(raw)
	empty := len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
	factory, ok := stageVariants[stage]
	if !ok {
		data := GenericStageData{}
		if empty {
			return data, nil
		}
		if err := json.Unmarshal(trimmed, &data); err != nil {
			return nil, StageDataError{Stage: stage, Err: err}
		}
		return data, nil
	}
	ptr := factory()
	if !empty {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(ptr); err != nil {
			return nil, StageDataError{Stage: stage, Err: err}
		}
	}
	data := deref(ptr)
	if err := ValidateStageData(data); err != nil {
		return nil, StageDataError{Stage: stage, Err: err}
	}
	return data, nil
}

// ValidateStageData runs struct validation on typed variants.
func ValidateStageData(data StageData) error {
	switch data.(type) {
	case nil, GenericStageData:
		return nil
	}
	return validate.Struct(data)
}

// ValidateCustomer checks the customer fields that carry format rules.
func ValidateCustomer(c Customer) error {
	return validate.Struct(c)
}

func deref(ptr StageData) StageData {
	switch v := ptr.(type) {
	case *RegistrationData:
		return *v
	case *AllocationData:
		return *v
	case *InvestigationData:
		return *v
	case *ReviewData:
		return *v
	case *ApprovalData:
		return *v
	case *LegalReviewData:
		return *v
	case *ClosureData:
		return *v
	}
	return ptr
}

// UnmarshalJSON decodes Data using the snapshot's stage name.
func (s *StageSnapshot) UnmarshalJSON(b []byte) error {
	type alias StageSnapshot
	var raw struct {
		alias
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = StageSnapshot(raw.alias)
	data, err := DecodeStageData(s.Stage, raw.Data)
	if err != nil {
		return err
	}
	s.Data = data
	return nil
}
