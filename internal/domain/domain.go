package domain

// Case is the canonical record of an investigated case.
type Case struct {
	ID          string `json:"case_id"`
	LAN         string `json:"lan,omitempty"`
	CaseType    string `json:"case_type,omitempty"`
	Product     string `json:"product,omitempty"`
	Region      string `json:"region,omitempty"`
	ReferredBy  string `json:"referred_by,omitempty"`
	Description string `json:"description,omitempty"`
	CaseDate    string `json:"case_date,omitempty" format:"date"`
	Status      string `json:"status"`
	Version     int64  `json:"version"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`

	Customer Customer `json:"customer"`

	ReviewedBy      *string `json:"reviewed_by,omitempty"`
	ReviewedAt      *string `json:"reviewed_at,omitempty" format:"date-time"`
	ApprovedBy      *string `json:"approved_by,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty" format:"date-time"`
	LegalReviewedBy *string `json:"legal_reviewed_by,omitempty"`
	LegalReviewedAt *string `json:"legal_reviewed_at,omitempty" format:"date-time"`
	ClosedBy        *string `json:"closed_by,omitempty"`
	ClosedAt        *string `json:"closed_at,omitempty" format:"date-time"`
}

// Customer holds the customer and loan attributes that stages fill in over time.
type Customer struct {
	Name             string   `json:"name,omitempty"`
	Mobile           string   `json:"mobile,omitempty"`
	Email            string   `json:"email,omitempty" validate:"omitempty,email"`
	PAN              string   `json:"pan,omitempty"`
	DOB              string   `json:"dob,omitempty"`
	Address          string   `json:"address,omitempty"`
	BranchLocation   string   `json:"branch_location,omitempty"`
	LoanAmount       *float64 `json:"loan_amount,omitempty" validate:"omitempty,gte=0"`
	DisbursementDate string   `json:"disbursement_date,omitempty"`
}

// Merge copies every non-empty field of other onto c.
func (c *Customer) Merge(other Customer) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Name, other.Name)
	set(&c.Mobile, other.Mobile)
	set(&c.Email, other.Email)
	set(&c.PAN, other.PAN)
	set(&c.DOB, other.DOB)
	set(&c.Address, other.Address)
	set(&c.BranchLocation, other.BranchLocation)
	set(&c.DisbursementDate, other.DisbursementDate)
	if other.LoanAmount != nil {
		amount := *other.LoanAmount
		c.LoanAmount = &amount
	}
}

// IsZero reports whether no customer field is set.
func (c Customer) IsZero() bool {
	return c == Customer{}
}

type Comment struct {
	ID        int64  `json:"id"`
	CaseID    string `json:"case_id"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	ID        int64  `json:"id"`
	CaseID    string `json:"case_id"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
	Actor     string `json:"actor"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StageSnapshot is an immutable capture of the data a stage collected.
type StageSnapshot struct {
	ID        int64     `json:"id"`
	CaseID    string    `json:"case_id"`
	Stage     string    `json:"stage"`
	Actor     string    `json:"actor"`
	Data      StageData `json:"data"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

const (
	InteractionPending   = "Pending"
	InteractionResponded = "Responded"
	InteractionReviewed  = "Reviewed"
)

// RequestTypes lists the accepted interaction request types.
var RequestTypes = []string{
	"Missing Documents",
	"Clarification Needed",
	"Additional Information",
	"Verification Required",
	"Update Required",
	"Other",
}

type InteractionRequest struct {
	ID          int64   `json:"id"`
	CaseID      string  `json:"case_id"`
	FromStage   string  `json:"from_stage"`
	ToStage     string  `json:"to_stage"`
	RequestType string  `json:"request_type"`
	Message     string  `json:"message"`
	RequestedBy string  `json:"requested_by"`
	Status      string  `json:"status" enum:"Pending,Responded,Reviewed"`
	Response    *string `json:"response,omitempty"`
	RespondedBy *string `json:"responded_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
}

type Document struct {
	ID               string `json:"id"`
	CaseID           string `json:"case_id"`
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename,omitempty"`
	Path             string `json:"path,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
	Size             int64  `json:"size"`
	UploadedBy       string `json:"uploaded_by"`
	UploadedAt       string `json:"uploaded_at" format:"date-time"`
}

type User struct {
	Username       string `json:"username"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Team           string `json:"team,omitempty"`
	Role           string `json:"role"`
	Active         bool   `json:"active"`
	AllRolesAccess bool   `json:"all_roles_access"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is an outbox record appended in the same transaction as the change it describes.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload,omitempty"`
}

const (
	ProgressCompleted = "completed"
	ProgressCurrent   = "current"
	ProgressPending   = "pending"
)

type StageProgress struct {
	Stage string `json:"stage"`
	State string `json:"state" enum:"completed,current,pending"`
}

type Progression struct {
	CaseID       string          `json:"case_id"`
	Status       string          `json:"status"`
	CurrentStage string          `json:"current_stage"`
	Stages       []StageProgress `json:"stages"`
}

// FlowData is the reconstructed history of a case.
type FlowData struct {
	Case      Case                     `json:"case"`
	Comments  []Comment                `json:"comments"`
	Audit     []AuditEntry             `json:"audit"`
	Documents []Document               `json:"documents"`
	Stages    map[string]StageSnapshot `json:"stages"`
}

type CaseStats struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ByRegion  map[string]int `json:"by_region"`
	ByProduct map[string]int `json:"by_product"`
}
