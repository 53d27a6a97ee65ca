package repo_test

import (
	"context"
	"errors"
	"testing"

	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func insert(t *testing.T, r repo.Repo, ctx context.Context, p domain.ProcessInstance) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertInstance(ctx, tx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	assignee := "user-1"
	p := domain.ProcessInstance{
		ID:         "i-1",
		CaseNumber: "GEPLAN-100",
		BaseNumber: "100",
		Department: "GEPLAN",
		Subject:    "road paving contract",
		Status:     "RECEIVED",
		AssigneeID: &assignee,
		Attributes: map[string]domain.FieldValue{
			"relational_key": {Kind: "text", Value: "100@k1"},
		},
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
	insert(t, r, ctx, p)

	got, err := r.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Subject != p.Subject || got.RelationalKey() != "100@k1" {
		t.Fatalf("got = %+v", got)
	}
	if got.AssigneeID == nil || *got.AssigneeID != "user-1" {
		t.Fatalf("assignee = %+v", got.AssigneeID)
	}
	if got.ExternalParty != nil || got.ClosedAt != nil {
		t.Fatalf("empty optionals must come back nil, got %+v", got)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	r, ctx := newRepo(t)
	_, err := r.GetInstance(ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestListByBaseOrder(t *testing.T) {
	r, ctx := newRepo(t)
	for _, p := range []domain.ProcessInstance{
		{ID: "b", CaseNumber: "GEFIN-100", BaseNumber: "100", Department: "GEFIN", CreatedAt: "2024-02-01T00:00:00Z", UpdatedAt: "2024-02-01T00:00:00Z"},
		{ID: "a", CaseNumber: "GEPLAN-100", BaseNumber: "100", Department: "GEPLAN", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"},
		{ID: "c", CaseNumber: "GEJUR-200", BaseNumber: "200", Department: "GEJUR", CreatedAt: "2024-01-15T00:00:00Z", UpdatedAt: "2024-01-15T00:00:00Z"},
	} {
		insert(t, r, ctx, p)
	}
	got, err := r.ListByBase(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("got = %+v", got)
	}
}

func TestListInstancesFilters(t *testing.T) {
	r, ctx := newRepo(t)
	closed := "2024-03-01T00:00:00Z"
	for _, p := range []domain.ProcessInstance{
		{ID: "a", CaseNumber: "GEPLAN-1", BaseNumber: "1", Department: "GEPLAN", Status: "RECEIVED", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"},
		{ID: "b", CaseNumber: "GEPLAN-2", BaseNumber: "2", Department: "GEPLAN", Status: "RECEIVED", ClosedAt: &closed, CreatedAt: "2024-01-02T00:00:00Z", UpdatedAt: closed},
		{ID: "c", CaseNumber: "GEFIN-3", BaseNumber: "3", Department: "GEFIN", Status: "APPROVED", CreatedAt: "2024-01-03T00:00:00Z", UpdatedAt: "2024-01-03T00:00:00Z"},
	} {
		insert(t, r, ctx, p)
	}
	got, err := r.ListInstances(ctx, repo.InstanceFilters{Department: "GEPLAN", ActiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got = %+v", got)
	}
	got, err = r.ListInstances(ctx, repo.InstanceFilters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" {
		t.Fatalf("newest first expected, got = %+v", got)
	}
}

func TestDeleteInstanceCascadesEvents(t *testing.T) {
	r, ctx := newRepo(t)
	insert(t, r, ctx, domain.ProcessInstance{
		ID: "a", CaseNumber: "GEPLAN-1", BaseNumber: "1", Department: "GEPLAN",
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	})
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO movement_events(instance_id,kind,from_department,to_department,actor_id,occurred_at)
VALUES ('a','creation','INTAKE','GEPLAN','tester','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteInstance(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	evs, err := r.ListEvents(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 0 {
		t.Fatalf("ledger rows must cascade, got %+v", evs)
	}
}
