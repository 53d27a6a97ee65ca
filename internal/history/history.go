// Package history replays the movement ledger into human-auditable
// timelines and department occupancy aggregates.
package history

import (
	"context"
	"sort"
	"strings"

	"caseflow/internal/domain"
	"caseflow/internal/grouping"
	"caseflow/internal/repo"
	"caseflow/internal/snapshot"
)

type Projector struct {
	Repo repo.Repo
}

func New(r repo.Repo) Projector {
	return Projector{Repo: r}
}

// Timeline replays the ordered ledger of an instance and its grouped
// relatives. A missing creation event is synthesized from the row itself
// (legacy imports), as is a terminal closed entry when closed_at is set
// without a matching global finalization event.
func (pr Projector) Timeline(ctx context.Context, instanceID string) ([]domain.TimelineEntry, error) {
	p, err := pr.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	siblings, err := pr.Repo.ListByBase(ctx, p.BaseNumber)
	if err != nil {
		return nil, err
	}
	members := grouping.Members(siblings, p.BaseNumber, p.RelationalKey())
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	events, err := pr.Repo.ListGroupEvents(ctx, ids)
	if err != nil {
		return nil, err
	}

	hasCreation := map[string]bool{}
	hasClosing := map[string]bool{}
	var entries []domain.TimelineEntry
	for _, ev := range events {
		switch ev.Kind {
		case domain.MoveCreation:
			hasCreation[ev.InstanceID] = true
		case domain.MoveGlobalFinalization:
			hasClosing[ev.InstanceID] = true
		}
		entries = append(entries, domain.TimelineEntry{
			InstanceID: ev.InstanceID,
			OccurredAt: ev.OccurredAt,
			Kind:       ev.Kind,
			Text:       describe(ev),
			ActorID:    ev.ActorID,
			Snapshot:   ev.Snapshot,
		})
	}
	for _, m := range members {
		if !hasCreation[m.ID] {
			entries = append(entries, domain.TimelineEntry{
				InstanceID: m.ID,
				OccurredAt: m.CreatedAt,
				Kind:       domain.MoveCreation,
				Text:       "process opened in " + m.Department,
			})
		}
		if m.ClosedAt != nil && !hasClosing[m.ID] {
			closedBy := ""
			if m.ClosedBy != nil {
				closedBy = *m.ClosedBy
			}
			entries = append(entries, domain.TimelineEntry{
				InstanceID: m.ID,
				OccurredAt: *m.ClosedAt,
				Kind:       domain.MoveGlobalFinalization,
				Text:       "process closed",
				ActorID:    closedBy,
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].OccurredAt < entries[j].OccurredAt })
	return dedupe(entries), nil
}

// Occupancy counts active instances per department for dashboard views.
func (pr Projector) Occupancy(ctx context.Context) (map[string]int, error) {
	return pr.Repo.CountActiveByDepartment(ctx)
}

var viewFields = []string{
	"subject", "stakeholder", "external_party", "status", "coordination",
	"team", "assignee_id", "deadline_at", "review_deadline_at", "notes",
}

// DepartmentView reports how an instance looked while it sat in the given
// department. Live values win while the instance is still there; after
// hand-off the values frozen on the departing movement event win.
func (pr Projector) DepartmentView(ctx context.Context, instanceID, dept string) (map[string]string, error) {
	p, err := pr.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := pr.Repo.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	snap := snapshot.Latest(events, dept)
	out := make(map[string]string, len(viewFields))
	for _, f := range viewFields {
		if v := snapshot.Resolve(f, p, snap); v != "" {
			out[f] = v
		}
	}
	return out, nil
}

// dedupe drops entries repeating the same normalized text within the same
// minute. Legacy imports pre-populated both a finalization and a closing
// event for the same instant; reporting both reads like a stutter.
func dedupe(entries []domain.TimelineEntry) []domain.TimelineEntry {
	seen := map[string]bool{}
	out := entries[:0]
	for _, en := range entries {
		key := minuteBucket(en.OccurredAt) + "|" + normalizeText(en.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, en)
	}
	return out
}

// minuteBucket truncates an RFC3339 timestamp to minute precision.
func minuteBucket(ts string) string {
	if len(ts) >= 16 {
		return ts[:16]
	}
	return ts
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func describe(ev domain.MovementEvent) string {
	switch ev.Kind {
	case domain.MoveCreation:
		if ev.FromDepartment == domain.DeptIntake {
			return "process opened in " + ev.ToDepartment
		}
		return "process opened in " + ev.ToDepartment + " (handed off from " + ev.FromDepartment + ")"
	case domain.MoveTransfer:
		return "transferred from " + ev.FromDepartment + " to " + ev.ToDepartment
	case domain.MoveDepartmentFinalization:
		return ev.FromDepartment + " leg finalized; sent to outbound review"
	case domain.MoveGlobalFinalization:
		return "process closed"
	case domain.MoveReturnToIntake:
		return "returned from outbound review to " + ev.ToDepartment
	case domain.MoveReassignment:
		return ev.Reason
	case domain.MoveEdit:
		return "updated: " + ev.Reason
	case domain.MoveStatusChange:
		return ev.Reason
	default:
		return ev.Kind
	}
}
