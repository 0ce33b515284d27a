package server

import (
	"encoding/json"

	"caseflow/internal/domain"
)

// Request payloads

type CreateCaseRequest struct {
	CaseID       string          `json:"case_id,omitempty"`
	LAN          string          `json:"lan,omitempty"`
	CaseType     string          `json:"case_type,omitempty"`
	Product      string          `json:"product,omitempty"`
	Region       string          `json:"region,omitempty"`
	ReferredBy   string          `json:"referred_by,omitempty"`
	Description  string          `json:"description,omitempty"`
	CaseDate     string          `json:"case_date,omitempty"`
	Status       string          `json:"status,omitempty" doc:"Initial status; defaults to Registered"`
	Customer     domain.Customer `json:"customer,omitempty"`
	Registration map[string]any  `json:"registration,omitempty" doc:"Extra Case Registration stage data"`
}

type TransitionRequestBody struct {
	Action         string         `json:"action,omitempty" example:"Submit for Review"`
	Comment        string         `json:"comment,omitempty"`
	ExpectedStatus string         `json:"expected_status,omitempty" doc:"Fails as stale when the case has moved on"`
	Payload        map[string]any `json:"payload,omitempty" doc:"Stage data for the target stage"`
	TargetStage    string         `json:"target_stage,omitempty" doc:"Request Info only"`
	RequestType    string         `json:"request_type,omitempty" doc:"Request Info only"`
}

type StageDataRequest struct {
	Data map[string]any `json:"data,omitempty"`
}

type CommentRequest struct {
	Body string `json:"body,omitempty"`
	Type string `json:"type,omitempty" example:"General"`
}

type DocumentRequest struct {
	Filename    string `json:"filename,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty" minimum:"0"`
}

type InteractionCreateRequest struct {
	FromStage   string `json:"from_stage,omitempty"`
	ToStage     string `json:"to_stage,omitempty"`
	RequestType string `json:"request_type,omitempty" example:"Missing Documents"`
	Message     string `json:"message,omitempty"`
}

type InteractionRespondRequest struct {
	Response string `json:"response,omitempty"`
}

type UserRequest struct {
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Team           string `json:"team,omitempty"`
	Role           string `json:"role,omitempty"`
	Active         *bool  `json:"active,omitempty" doc:"Defaults to true"`
	AllRolesAccess bool   `json:"all_roles_access,omitempty"`
}

type DevLoginRequest struct {
	Username   string `json:"username,omitempty"`
	Role       string `json:"role,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	Source    string   `json:"source"`
	Name      string   `json:"name,omitempty"`
	Superuser bool     `json:"superuser"`
	Actions   []string `json:"actions"`
	Stages    []string `json:"stages"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

type paginatedCases struct {
	Items      []domain.Case `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Actor:      e.Actor,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// rawJSON re-encodes a decoded object so the engine can decode it strictly
// against the stage's variant.
func rawJSON(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (r UserRequest) user() domain.User {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return domain.User{
		Username:       r.Username,
		Name:           r.Name,
		Email:          r.Email,
		Team:           r.Team,
		Role:           r.Role,
		Active:         active,
		AllRolesAccess: r.AllRolesAccess,
	}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
