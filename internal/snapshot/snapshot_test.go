package snapshot_test

import (
	"testing"

	"caseflow/internal/domain"
	"caseflow/internal/snapshot"
)

func TestCaptureIsDeepCopy(t *testing.T) {
	assignee := "user-1"
	p := domain.ProcessInstance{
		Department: "GEPLAN",
		Subject:    "original subject",
		Status:     "UNDER_ANALYSIS",
		AssigneeID: &assignee,
		Attributes: map[string]domain.FieldValue{
			"contract_value": {Kind: "number", Value: "100"},
		},
	}
	snap := snapshot.Capture(p)

	// later mutations of the live row must not leak into the snapshot
	p.Subject = "rewritten"
	*p.AssigneeID = "user-2"
	p.Attributes["contract_value"] = domain.FieldValue{Kind: "number", Value: "999"}

	if snap.Subject != "original subject" {
		t.Fatalf("subject = %q", snap.Subject)
	}
	if snap.AssigneeID == nil || *snap.AssigneeID != "user-1" {
		t.Fatalf("assignee = %+v", snap.AssigneeID)
	}
	if snap.Attributes["contract_value"].Value != "100" {
		t.Fatalf("attributes = %+v", snap.Attributes)
	}
}

func TestLatestPicksMostRecentForDepartment(t *testing.T) {
	s1 := &domain.Snapshot{Department: "GEPLAN", Status: "first"}
	s2 := &domain.Snapshot{Department: "GEPLAN", Status: "second"}
	other := &domain.Snapshot{Department: "GEFIN", Status: "other"}
	events := []domain.MovementEvent{
		{FromDepartment: "GEPLAN", OccurredAt: "2024-01-01T00:00:00Z", Snapshot: s1},
		{FromDepartment: "GEFIN", OccurredAt: "2024-02-01T00:00:00Z", Snapshot: other},
		{FromDepartment: "GEPLAN", OccurredAt: "2024-03-01T00:00:00Z", Snapshot: s2},
		{FromDepartment: "GEPLAN", OccurredAt: "2024-04-01T00:00:00Z"},
	}
	got := snapshot.Latest(events, "GEPLAN")
	if got == nil || got.Status != "second" {
		t.Fatalf("got = %+v", got)
	}
	if snapshot.Latest(events, "GEJUR") != nil {
		t.Fatal("no snapshot expected for GEJUR")
	}
}

func TestResolvePrefersSnapshotAfterHandOff(t *testing.T) {
	snap := &domain.Snapshot{Department: "GEPLAN", Status: "FROZEN", Notes: "frozen notes"}
	live := domain.ProcessInstance{Department: "GEFIN", Status: "LIVE", Notes: "live notes"}

	if got := snapshot.Resolve("status", live, snap); got != "FROZEN" {
		t.Fatalf("moved instance should show frozen value, got %q", got)
	}

	// still sitting in the snapshot's department: the live row is current
	live.Department = "GEPLAN"
	if got := snapshot.Resolve("status", live, snap); got != "LIVE" {
		t.Fatalf("live value expected, got %q", got)
	}

	// closed instances always read from the snapshot
	closedAt := "2024-05-01T00:00:00Z"
	live.ClosedAt = &closedAt
	if got := snapshot.Resolve("notes", live, snap); got != "frozen notes" {
		t.Fatalf("closed instance should show frozen value, got %q", got)
	}

	if got := snapshot.Resolve("status", domain.ProcessInstance{Status: "X"}, nil); got != "X" {
		t.Fatalf("nil snapshot falls back to live, got %q", got)
	}
}
