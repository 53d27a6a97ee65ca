// Package snapshot freezes department-scoped fields at hand-off time and
// resolves which value (frozen or live) a history view should display.
package snapshot

import (
	"caseflow/internal/domain"
)

// Capture deep-copies every department-scoped mutable field of the instance.
// Called at the exact moment of a transfer or department finalization,
// before the live department pointer moves.
func Capture(p domain.ProcessInstance) domain.Snapshot {
	return domain.Snapshot{
		Department:       p.Department,
		Subject:          p.Subject,
		Stakeholder:      p.Stakeholder,
		ExternalParty:    copyStringPtr(p.ExternalParty),
		Status:           p.Status,
		Coordination:     p.Coordination,
		Team:             p.Team,
		AssigneeID:       copyStringPtr(p.AssigneeID),
		DeadlineAt:       copyStringPtr(p.DeadlineAt),
		ReviewDeadlineAt: copyStringPtr(p.ReviewDeadlineAt),
		Notes:            p.Notes,
		Attributes:       copyAttributes(p.Attributes),
	}
}

// Latest picks the most recent snapshot taken when the instance left the
// given department: latest occurred_at wins, insertion order breaks ties.
// Events must be in replay order (the repo guarantees it).
func Latest(events []domain.MovementEvent, department string) *domain.Snapshot {
	var found *domain.Snapshot
	for i := range events {
		ev := events[i]
		if ev.Snapshot == nil {
			continue
		}
		if ev.FromDepartment != department {
			continue
		}
		found = ev.Snapshot
	}
	return found
}

// Resolve returns the display value for a field. The snapshot wins when the
// instance is closed or has moved past the department the snapshot belongs
// to; otherwise the live field is current and wins. Without this, history
// views would show whatever the row was reused for later in the pipeline.
func Resolve(field string, p domain.ProcessInstance, snap *domain.Snapshot) string {
	if snap != nil && (!p.Active() || p.Department != snap.Department) {
		return fieldOf(field, snapshotAsInstance(*snap))
	}
	return fieldOf(field, p)
}

func snapshotAsInstance(s domain.Snapshot) domain.ProcessInstance {
	return domain.ProcessInstance{
		Department:       s.Department,
		Subject:          s.Subject,
		Stakeholder:      s.Stakeholder,
		ExternalParty:    s.ExternalParty,
		Status:           s.Status,
		Coordination:     s.Coordination,
		Team:             s.Team,
		AssigneeID:       s.AssigneeID,
		DeadlineAt:       s.DeadlineAt,
		ReviewDeadlineAt: s.ReviewDeadlineAt,
		Notes:            s.Notes,
		Attributes:       s.Attributes,
	}
}

func fieldOf(field string, p domain.ProcessInstance) string {
	switch field {
	case "subject":
		return p.Subject
	case "stakeholder":
		return p.Stakeholder
	case "external_party":
		return deref(p.ExternalParty)
	case "status":
		return p.Status
	case "coordination":
		return p.Coordination
	case "team":
		return p.Team
	case "assignee_id":
		return deref(p.AssigneeID)
	case "deadline_at":
		return deref(p.DeadlineAt)
	case "review_deadline_at":
		return deref(p.ReviewDeadlineAt)
	case "notes":
		return p.Notes
	default:
		if v, ok := p.Attributes[field]; ok {
			return v.Value
		}
		return ""
	}
}

func copyStringPtr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyAttributes(attrs map[string]domain.FieldValue) map[string]domain.FieldValue {
	if attrs == nil {
		return nil
	}
	out := make(map[string]domain.FieldValue, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
