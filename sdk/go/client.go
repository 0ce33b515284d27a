package caseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal caseflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActingRole is sent as X-Acting-Role for users allowed to switch roles.
	ActingRole string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Customer holds the customer and loan fields of a case.
type Customer struct {
	Name             string   `json:"name,omitempty"`
	Mobile           string   `json:"mobile,omitempty"`
	Email            string   `json:"email,omitempty"`
	PAN              string   `json:"pan,omitempty"`
	DOB              string   `json:"dob,omitempty"`
	Address          string   `json:"address,omitempty"`
	BranchLocation   string   `json:"branch_location,omitempty"`
	LoanAmount       *float64 `json:"loan_amount,omitempty"`
	DisbursementDate string   `json:"disbursement_date,omitempty"`
}

// Case represents the API case model (partial).
type Case struct {
	ID          string   `json:"case_id"`
	LAN         string   `json:"lan,omitempty"`
	CaseType    string   `json:"case_type,omitempty"`
	Product     string   `json:"product,omitempty"`
	Region      string   `json:"region,omitempty"`
	ReferredBy  string   `json:"referred_by,omitempty"`
	Description string   `json:"description,omitempty"`
	CaseDate    string   `json:"case_date,omitempty"`
	Status      string   `json:"status,omitempty"`
	Version     int64    `json:"version,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
	Customer    Customer `json:"customer,omitempty"`
}

// Transition is a workflow action request.
type Transition struct {
	Action         string         `json:"action"`
	Comment        string         `json:"comment,omitempty"`
	ExpectedStatus string         `json:"expected_status,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	TargetStage    string         `json:"target_stage,omitempty"`
	RequestType    string         `json:"request_type,omitempty"`
}

type TransitionResult struct {
	Case        Case                `json:"case"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	Action      string              `json:"action"`
	Interaction *InteractionRequest `json:"interaction,omitempty"`
}

// ActionOption is an action the caller may take on a case now.
type ActionOption struct {
	Action          string `json:"action"`
	To              string `json:"to"`
	Stage           string `json:"stage"`
	RequiresComment bool   `json:"requires_comment"`
	MinDocuments    int    `json:"min_documents,omitempty"`
}

type InteractionRequest struct {
	ID          int64   `json:"id"`
	CaseID      string  `json:"case_id"`
	FromStage   string  `json:"from_stage"`
	ToStage     string  `json:"to_stage"`
	RequestType string  `json:"request_type"`
	Message     string  `json:"message"`
	RequestedBy string  `json:"requested_by"`
	Status      string  `json:"status"`
	Response    *string `json:"response,omitempty"`
	RespondedBy *string `json:"responded_by,omitempty"`
	CreatedAt   string  `json:"created_at"`
	RespondedAt *string `json:"responded_at,omitempty"`
}

type Comment struct {
	ID        int64  `json:"id"`
	CaseID    string `json:"case_id"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// Event represents an outbox entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code carries the error envelope code,
// e.g. invalid_transition or stale_transition.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateCase registers a case.
func (c *Client) CreateCase(ctx context.Context, in Case) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", in, &resp)
	return resp, err
}

func (c *Client) GetCase(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(caseID), nil, &resp)
	return resp, err
}

// ListCases returns a page of cases filtered by the given query values
// (status, region, product, created_by, q, limit, cursor).
func (c *Client) ListCases(ctx context.Context, filter url.Values) (PaginatedCases, error) {
	endpoint := "cases"
	if len(filter) > 0 {
		endpoint += "?" + filter.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition applies a workflow action to a case.
func (c *Client) Transition(ctx context.Context, caseID string, t Transition) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "cases/"+url.PathEscape(caseID)+"/transitions", t, &resp)
	return resp, err
}

func (c *Client) AvailableActions(ctx context.Context, caseID string) ([]ActionOption, error) {
	var resp []ActionOption
	err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(caseID)+"/actions", nil, &resp)
	return resp, err
}

func (c *Client) AddComment(ctx context.Context, caseID, body, commentType string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPost, "cases/"+url.PathEscape(caseID)+"/comments", map[string]any{
		"body": body,
		"type": commentType,
	}, &resp)
	return resp, err
}

// RequestInteraction asks an adjacent stage for information.
func (c *Client) RequestInteraction(ctx context.Context, caseID, fromStage, toStage, requestType, message string) (InteractionRequest, error) {
	var resp InteractionRequest
	err := c.do(ctx, http.MethodPost, "cases/"+url.PathEscape(caseID)+"/interactions", map[string]any{
		"from_stage":   fromStage,
		"to_stage":     toStage,
		"request_type": requestType,
		"message":      message,
	}, &resp)
	return resp, err
}

func (c *Client) RespondToInteraction(ctx context.Context, id int64, response string) (InteractionRequest, error) {
	var resp InteractionRequest
	endpoint := fmt.Sprintf("interactions/%d/respond", id)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"response": response}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActingRole != "" {
		req.Header.Set("X-Acting-Role", c.ActingRole)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
