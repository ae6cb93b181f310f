package server

import (
	"encoding/json"

	"lawtrack/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	Title               string `json:"title" minLength:"1"`
	Description         string `json:"description,omitempty"`
	ClientID            string `json:"client_id,omitempty"`
	DepartmentID        string `json:"department_id,omitempty"`
	PrincipalReviewerID string `json:"principal_reviewer_id"`
	AssigneeID          string `json:"assignee_id"`
	Priority            string `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	DueDate             string `json:"due_date,omitempty" example:"2024-06-30"`
	InitialStageID      string `json:"initial_stage_id,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"open,in_progress,completed"`
	Force  bool   `json:"force,omitempty"`
}

type StageRequest struct {
	Name           string `json:"name"`
	Order          int    `json:"order"`
	ApprovalPolicy string `json:"approval_policy" enum:"single,multiple,admin_only"`
	Color          string `json:"color,omitempty"`
	Requirements   string `json:"requirements,omitempty"`
	Description    string `json:"description,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type TaskResponse struct {
	ID                  string                 `json:"id"`
	Code                string                 `json:"code"`
	Title               string                 `json:"title"`
	Description         string                 `json:"description,omitempty"`
	ClientID            *string                `json:"client_id,omitempty"`
	DepartmentID        *string                `json:"department_id,omitempty"`
	Priority            string                 `json:"priority" enum:"low,normal,high,urgent"`
	DueDate             *string                `json:"due_date,omitempty"`
	LifecycleStatus     domain.LifecycleStatus `json:"lifecycle_status" enum:"open,in_progress,completed"`
	StageID             *string                `json:"stage_id,omitempty"`
	CreatorID           string                 `json:"creator_id"`
	PrincipalReviewerID string                 `json:"principal_reviewer_id"`
	AssigneeID          string                 `json:"assignee_id"`
	Approvals           domain.ApprovalChain   `json:"approvals"`
	ApprovalStatus      domain.ApprovalStatus  `json:"approval_status" enum:"pending_admin,pending_principal,pending_assignee,approved"`
	Version             int64                  `json:"version"`
	CreatedAt           string                 `json:"created_at" format:"date-time"`
	UpdatedAt           string                 `json:"updated_at" format:"date-time"`
}

type StageResponse struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Order          int                   `json:"order"`
	ApprovalPolicy domain.ApprovalPolicy `json:"approval_policy" enum:"single,multiple,admin_only"`
	Color          string                `json:"color,omitempty"`
	Requirements   string                `json:"requirements,omitempty"`
	Description    string                `json:"description,omitempty"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
	UpdatedAt      string                `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserID string      `json:"user_id"`
	Name   string      `json:"name,omitempty"`
	Role   domain.Role `json:"role" enum:"admin,lawyer,staff"`
	Source string      `json:"source"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                  t.ID,
		Code:                t.Code,
		Title:               t.Title,
		Description:         t.Description,
		ClientID:            t.ClientID,
		DepartmentID:        t.DepartmentID,
		Priority:            t.Priority,
		DueDate:             t.DueDate,
		LifecycleStatus:     t.LifecycleStatus,
		StageID:             t.StageID,
		CreatorID:           t.CreatorID,
		PrincipalReviewerID: t.PrincipalReviewerID,
		AssigneeID:          t.AssigneeID,
		Approvals:           t.Approvals,
		ApprovalStatus:      t.ApprovalStatus(),
		Version:             t.Version,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse(s)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapStages(items []domain.Stage) []StageResponse {
	res := make([]StageResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}
