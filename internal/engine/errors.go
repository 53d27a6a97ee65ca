package engine

import (
	"fmt"
	"strings"
)

// Rejection reason codes surfaced verbatim to callers.
const (
	ReasonDuplicateActive       = "duplicate-active-department"
	ReasonMissingMandatoryField = "missing-mandatory-field"
	ReasonUnauthorizedAssignee  = "unauthorized-assignee"
	ReasonAlreadyClosed         = "already-closed"
	ReasonInvalidDepartment     = "invalid-department"
	ReasonInvalidStatus         = "invalid-status"
	ReasonRelationalKeyConflict = "relational-key-conflict"
)

// ValidationError rejects an operation over a malformed or incomplete input:
// a missing mandatory field, an unknown department or status code, or an
// assignee outside the required grant scope.
type ValidationError struct {
	Reason string
	Fields []string
}

func (e ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Fields, ", "))
	}
	return e.Reason
}

// ConflictError rejects an operation that would violate the one-active-
// instance-per-department invariant of a demand cycle, or that cannot
// resolve a relational key.
type ConflictError struct {
	Reason      string
	Departments []string
}

func (e ConflictError) Error() string {
	if len(e.Departments) > 0 {
		return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Departments, ", "))
	}
	return e.Reason
}

// NotFoundError reports an unknown instance id.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("process instance %s not found", e.ID)
}

// IllegalTransitionError rejects a movement the state machine does not
// permit from the instance's current position.
type IllegalTransitionError struct {
	Reason string
	From   string
	Kind   string
}

func (e IllegalTransitionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("transition %s not allowed from %s", e.Kind, e.From)
}
