package history_test

import (
	"context"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/history"
	"caseflow/internal/migrate"
)

func newTestEnv(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return eng, context.Background()
}

func TestTimelineCoversWholeGroup(t *testing.T) {
	eng, ctx := newTestEnv(t)
	a, err := eng.CreateInstance(ctx, engine.CreateOptions{
		CaseNumber: "100", Department: "GEPLAN",
		Status: "RECEIVED", Coordination: "COORD-PLANEJAMENTO", Team: "NUCLEO-ANALISE", AssigneeID: "user-1",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := eng.FinalizeDepartment(ctx, engine.FinalizeDepartmentOptions{InstanceID: a.ID, NextDepartment: "GEFIN", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	sibling := res.Instances[1]

	entries, err := history.New(eng.Repo).Timeline(ctx, sibling.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	// the sibling's timeline includes the originating instance's events
	var sawOriginCreation, sawFinalization, sawSiblingCreation bool
	for _, en := range entries {
		switch {
		case en.InstanceID == a.ID && en.Kind == domain.MoveCreation:
			sawOriginCreation = true
		case en.InstanceID == a.ID && en.Kind == domain.MoveDepartmentFinalization:
			sawFinalization = true
		case en.InstanceID == sibling.ID && en.Kind == domain.MoveCreation:
			sawSiblingCreation = true
		}
	}
	if !sawOriginCreation || !sawFinalization || !sawSiblingCreation {
		t.Fatalf("incomplete group timeline: %+v", entries)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].OccurredAt > entries[i].OccurredAt {
			t.Fatal("timeline must be chronologically ordered")
		}
	}
}

func TestTimelineSynthesizesLegacyEntries(t *testing.T) {
	eng, ctx := newTestEnv(t)
	// a legacy import: instance rows exist, the ledger does not
	closedAt := "2023-06-10T09:00:00Z"
	closedBy := "importer"
	legacy := domain.ProcessInstance{
		ID: "legacy-1", CaseNumber: "GEPLAN-900", BaseNumber: "900", Department: "GEPLAN",
		ClosedAt: &closedAt, ClosedBy: &closedBy,
		CreatedAt: "2023-05-01T08:00:00Z", UpdatedAt: closedAt,
	}
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.InsertInstance(ctx, tx, legacy); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	entries, err := history.New(eng.Repo).Timeline(ctx, legacy.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected synthesized creation and closing, got %+v", entries)
	}
	if entries[0].Kind != domain.MoveCreation || entries[0].OccurredAt != legacy.CreatedAt {
		t.Fatalf("first = %+v", entries[0])
	}
	if entries[1].Kind != domain.MoveGlobalFinalization || entries[1].ActorID != "importer" {
		t.Fatalf("second = %+v", entries[1])
	}
}

func TestTimelineDedupesRepeatedText(t *testing.T) {
	eng, ctx := newTestEnv(t)
	p, err := eng.CreateInstance(ctx, engine.CreateOptions{CaseNumber: "100", Department: "GEPLAN", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// legacy imports duplicated the same ledger line at the same instant
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := eng.Events.Append(ctx, tx, domain.MovementEvent{
			InstanceID:     p.ID,
			Kind:           domain.MoveStatusChange,
			FromDepartment: "GEPLAN",
			ToDepartment:   "GEPLAN",
			Reason:         "status: (blank) -> RECEIVED",
			ActorID:        "importer",
			OccurredAt:     "2024-01-01T00:00:05Z",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	entries, err := history.New(eng.Repo).Timeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	var statusLines int
	for _, en := range entries {
		if en.Kind == domain.MoveStatusChange {
			statusLines++
		}
	}
	if statusLines != 1 {
		t.Fatalf("expected duplicate line collapsed, got %d in %+v", statusLines, entries)
	}
}

func TestDepartmentViewPrefersFrozenSnapshot(t *testing.T) {
	eng, ctx := newTestEnv(t)
	p, err := eng.CreateInstance(ctx, engine.CreateOptions{
		CaseNumber: "100", Department: "GEPLAN", Subject: "tax audit",
		Status: "RECEIVED", Coordination: "COORD-PLANEJAMENTO", Team: "NUCLEO-ANALISE", AssigneeID: "user-1",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.FinalizeDepartment(ctx, engine.FinalizeDepartmentOptions{InstanceID: p.ID, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	pr := history.New(eng.Repo)
	// the GEPLAN leg is over; its view must show the values frozen at hand-off
	view, err := pr.DepartmentView(ctx, p.ID, "GEPLAN")
	if err != nil {
		t.Fatalf("department view: %v", err)
	}
	if view["status"] != "RECEIVED" || view["subject"] != "tax audit" {
		t.Fatalf("frozen view = %v", view)
	}
	// the live leg has no status yet, so the key is absent from its view
	live, err := pr.DepartmentView(ctx, p.ID, "OUTBOUND_REVIEW")
	if err != nil {
		t.Fatalf("live view: %v", err)
	}
	if _, ok := live["status"]; ok {
		t.Fatalf("live view must not inherit the frozen status: %v", live)
	}
	if live["subject"] != "tax audit" {
		t.Fatalf("live view = %v", live)
	}
}

func TestOccupancyExcludesTriageAndClosed(t *testing.T) {
	eng, ctx := newTestEnv(t)
	a, err := eng.CreateInstance(ctx, engine.CreateOptions{
		CaseNumber: "100", Department: "GEPLAN",
		Status: "RECEIVED", Coordination: "COORD-PLANEJAMENTO", Team: "NUCLEO-ANALISE", AssigneeID: "user-1",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateInstance(ctx, engine.CreateOptions{CaseNumber: "200", Department: "GEFIN", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.FinalizeDepartment(ctx, engine.FinalizeDepartmentOptions{InstanceID: a.ID, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ReturnFromReview(ctx, a.ID, "GEPLAN", "reviewer"); err != nil {
		t.Fatal(err)
	}

	counts, err := history.New(eng.Repo).Occupancy(ctx)
	if err != nil {
		t.Fatalf("occupancy: %v", err)
	}
	if counts["GEPLAN"] != 0 {
		t.Fatalf("returned-to-triage instance must not count, got %d", counts["GEPLAN"])
	}
	if counts["GEFIN"] != 1 {
		t.Fatalf("GEFIN = %d", counts["GEFIN"])
	}
}
