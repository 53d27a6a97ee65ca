package server

import (
	"caseflow/internal/domain"
)

// Request payloads

type CreateInstanceRequest struct {
	CaseNumber       string                       `json:"case_number"`
	Department       string                       `json:"department"`
	RelationalKey    *string                      `json:"relational_key,omitempty"`
	Subject          *string                      `json:"subject,omitempty"`
	Stakeholder      *string                      `json:"stakeholder,omitempty"`
	ExternalParty    *string                      `json:"external_party,omitempty"`
	Status           *string                      `json:"status,omitempty"`
	Coordination     *string                      `json:"coordination,omitempty"`
	Team             *string                      `json:"team,omitempty"`
	AssigneeID       *string                      `json:"assignee_id,omitempty"`
	DeadlineAt       *string                      `json:"deadline_at,omitempty" format:"date"`
	ReviewDeadlineAt *string                      `json:"review_deadline_at,omitempty" format:"date"`
	Notes            *string                      `json:"notes,omitempty"`
	Attributes       map[string]domain.FieldValue `json:"attributes,omitempty"`
}

type TransferRequest struct {
	Department string `json:"department"`
}

type FinalizeDepartmentRequest struct {
	NextDepartment *string `json:"next_department,omitempty"`
}

type ReturnRequest struct {
	Department string `json:"department"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type EditInstanceRequest struct {
	Subject          *string                      `json:"subject,omitempty"`
	Stakeholder      *string                      `json:"stakeholder,omitempty"`
	ExternalParty    *string                      `json:"external_party,omitempty"`
	Status           *string                      `json:"status,omitempty"`
	Coordination     *string                      `json:"coordination,omitempty"`
	Team             *string                      `json:"team,omitempty"`
	DeadlineAt       *string                      `json:"deadline_at,omitempty" format:"date"`
	ReviewDeadlineAt *string                      `json:"review_deadline_at,omitempty" format:"date"`
	Notes            *string                      `json:"notes,omitempty"`
	SetAttributes    map[string]domain.FieldValue `json:"set_attributes,omitempty"`
	RemoveAttributes []string                     `json:"remove_attributes,omitempty"`
}

type CreateFieldRequest struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	ValueKind string `json:"value_kind" enum:"text,number,date"`
}

// Response payloads

type TransitionResponse struct {
	Instances []domain.ProcessInstance `json:"instances"`
	Warning   string                   `json:"warning,omitempty"`
}

type OccupancyResponse struct {
	Departments map[string]int `json:"departments"`
}
