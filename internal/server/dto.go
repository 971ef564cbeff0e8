package server

import (
	"encoding/json"

	"thorbis/internal/domain"
	"thorbis/internal/lifecycle"
)

type CreateEntityRequest struct {
	Type       string         `json:"type" example:"workorder"`
	Fields     map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
	AssigneeID *string        `json:"assignee_id,omitempty"`
}

type UpdateEntityRequest struct {
	Status          *string        `json:"status,omitempty"`
	AssigneeID      *string        `json:"assignee_id,omitempty"`
	Fields          map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
}

type TransitionRequest struct {
	Status          string `json:"status" example:"in_progress"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type EntityResponse struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	Type             string         `json:"type"`
	Status           string         `json:"status"`
	AssigneeID       *string        `json:"assignee_id,omitempty"`
	CreatedBy        string         `json:"created_by"`
	UpdatedBy        string         `json:"updated_by"`
	Version          int64          `json:"version"`
	Fields           map[string]any `json:"fields" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	SuggestedActions []string       `json:"suggested_actions"`
}

func entityResponse(e *lifecycle.Engine, ent domain.Entity) EntityResponse {
	fields := ent.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return EntityResponse{
		ID:               ent.ID,
		TenantID:         ent.TenantID,
		Type:             ent.Type,
		Status:           ent.Status,
		AssigneeID:       ent.AssigneeID,
		CreatedBy:        ent.CreatedBy,
		UpdatedBy:        ent.UpdatedBy,
		Version:          ent.Version,
		Fields:           fields,
		CreatedAt:        ent.CreatedAt,
		UpdatedAt:        ent.UpdatedAt,
		SuggestedActions: nonNilSlice(e.SuggestedActions(ent.Type, ent.Status)),
	}
}

type paginatedEntities struct {
	Items      []EntityResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type SummaryResponse struct {
	Type               string                    `json:"type"`
	Count              int                       `json:"count"`
	TotalValue         float64                   `json:"total_value"`
	Groups             map[string]map[string]int `json:"groups,omitempty"`
	AvgDurationSeconds float64                   `json:"avg_duration_seconds"`
	DurationSamples    int                       `json:"duration_samples"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func eventResponse(evt domain.Event) EventResponse {
	res := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id" example:"u-dispatch-1"`
	Role    string `json:"role" example:"dispatcher"`
}

type ActorRolesResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func mapEntities(e *lifecycle.Engine, items []domain.Entity) []EntityResponse {
	res := make([]EntityResponse, 0, len(items))
	for _, ent := range items {
		res = append(res, entityResponse(e, ent))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
