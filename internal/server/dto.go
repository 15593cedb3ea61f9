package server

import (
	"encoding/json"

	"issueline/internal/config"
	"issueline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateIssueRequest struct {
	ID           *string  `json:"id,omitempty"`
	ParentID     *string  `json:"parent_id,omitempty"`
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty" enum:"task,feature,bug,docs,chore"`
	StartDate    *string  `json:"start_date,omitempty" format:"date-time"`
	EndDate      *string  `json:"end_date,omitempty" format:"date-time"`
	Estimate     *float64 `json:"estimate,omitempty"`
	Requirements bool     `json:"requirements,omitempty"`
	Visibility   *string  `json:"visibility,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	ClientID     *string  `json:"client_id,omitempty"`
	AssigneeIDs  []string `json:"assignee_ids,omitempty"`
}

type UpdateIssueRequest struct {
	Name        *string  `json:"name,omitempty"`
	Type        *string  `json:"type,omitempty"`
	StartDate   *string  `json:"start_date,omitempty"`
	EndDate     *string  `json:"end_date,omitempty"`
	Estimate    *float64 `json:"estimate,omitempty"`
	Progress    *int     `json:"progress,omitempty"`
	Visibility  *string  `json:"visibility,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	ClientID    *string  `json:"client_id,omitempty"`
	AssigneeIDs []string `json:"assignee_ids,omitempty"`
}

type SetStateRequest struct {
	State string `json:"state"`
}

type SetParentRequest struct {
	ParentID string `json:"parent_id"`
}

type SetPredecessorRequest struct {
	PredecessorID string `json:"predecessor_id"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type StateResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Phase       string `json:"phase" enum:"negotiation,processing,conclusion"`
	UserDefined bool   `json:"user_defined"`
}

type IssueResponse struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	State        string   `json:"state"`
	Phase        string   `json:"phase" enum:"negotiation,processing,conclusion"`
	ParentID     *string  `json:"parent_id,omitempty"`
	Children     []string `json:"children"`
	Predecessors []string `json:"predecessors"`
	Successors   []string `json:"successors"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	StartDate    *string  `json:"start_date,omitempty" format:"date-time"`
	EndDate      *string  `json:"end_date,omitempty" format:"date-time"`
	Estimate     float64  `json:"estimate"`
	Progress     int      `json:"progress"`
	Requirements bool     `json:"requirements"`
	Visibility   string   `json:"visibility,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	AuthorID     string   `json:"author_id"`
	ClientID     *string  `json:"client_id,omitempty"`
	AssigneeIDs  []string `json:"assignee_ids"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type MessageResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	IssueID     string `json:"issue_id,omitempty"`
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
	Text        string `json:"text,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"project"`
	States struct {
		UserDefined map[string][]string `json:"user_defined"`
		Canonical   map[string]string   `json:"canonical"`
	} `json:"states"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func stateResponse(st domain.State) StateResponse {
	return StateResponse{
		ID:          st.ID,
		ProjectID:   st.ProjectID,
		Name:        st.Name,
		Phase:       string(st.Phase),
		UserDefined: st.UserDefined,
	}
}

func mapStates(items []domain.State) []StateResponse {
	res := make([]StateResponse, 0, len(items))
	for _, st := range items {
		res = append(res, stateResponse(st))
	}
	return res
}

func issueResponse(i domain.Issue, st domain.State) IssueResponse {
	return IssueResponse{
		ID:           i.ID,
		ProjectID:    i.ProjectID,
		State:        st.Name,
		Phase:        string(st.Phase),
		ParentID:     i.ParentID,
		Children:     nonNilSlice(i.Children),
		Predecessors: nonNilSlice(i.Predecessors),
		Successors:   nonNilSlice(i.Successors),
		Name:         i.Name,
		Type:         i.Type,
		StartDate:    i.StartDate,
		EndDate:      i.EndDate,
		Estimate:     i.Estimate,
		Progress:     i.Progress,
		Requirements: i.Requirements,
		Visibility:   i.Visibility,
		Priority:     i.Priority,
		AuthorID:     i.AuthorID,
		ClientID:     i.ClientID,
		AssigneeIDs:  nonNilSlice(i.AssigneeIDs),
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse(m)
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Kind = cfg.Project.Kind
	res.States.UserDefined = cfg.States.UserDefined
	res.States.Canonical = cfg.States.Canonical
	if res.States.UserDefined == nil {
		res.States.UserDefined = map[string][]string{}
	}
	if res.States.Canonical == nil {
		res.States.Canonical = map[string]string{}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
