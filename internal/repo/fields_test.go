package repo_test

import (
	"errors"
	"testing"

	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

func TestFieldCRUD(t *testing.T) {
	r, ctx := newRepo(t)
	f := domain.DepartmentField{
		ID: "f-1", Department: "GEPLAN", Key: "contract_value", Label: "Contract value", ValueKind: "number",
		CreatedAt: "2024-01-01T00:00:00Z",
	}
	if _, err := r.CreateField(ctx, f); err != nil {
		t.Fatalf("create: %v", err)
	}
	// same key in another department is a separate definition
	f2 := f
	f2.ID, f2.Department = "f-2", "GEFIN"
	if _, err := r.CreateField(ctx, f2); err != nil {
		t.Fatalf("create in second department: %v", err)
	}
	// duplicate within a department is rejected by the schema
	f3 := f
	f3.ID = "f-3"
	if _, err := r.CreateField(ctx, f3); err == nil {
		t.Fatal("expected unique constraint violation")
	}

	got, err := r.GetField(ctx, "GEPLAN", "contract_value")
	if err != nil || got.Label != "Contract value" {
		t.Fatalf("get = %+v, %v", got, err)
	}
	list, err := r.ListFields(ctx, "GEPLAN")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %+v, %v", list, err)
	}
}

func TestDeleteFieldPurgesValues(t *testing.T) {
	r, ctx := newRepo(t)
	if _, err := r.CreateField(ctx, domain.DepartmentField{
		ID: "f-1", Department: "GEPLAN", Key: "contract_value", Label: "Contract value", ValueKind: "number",
		CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	insert(t, r, ctx, domain.ProcessInstance{
		ID: "a", CaseNumber: "GEPLAN-1", BaseNumber: "1", Department: "GEPLAN",
		Attributes: map[string]domain.FieldValue{
			"contract_value": {Kind: "number", Value: "1250.50"},
			"relational_key": {Kind: "text", Value: "1@k1"},
		},
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	})

	if err := r.DeleteField(ctx, "GEPLAN", "contract_value"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := r.GetField(ctx, "GEPLAN", "contract_value")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("definition should be gone, err = %v", err)
	}
	p, err := r.GetInstance(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Attributes["contract_value"]; ok {
		t.Fatal("stored value must be purged with the definition")
	}
	if p.RelationalKey() != "1@k1" {
		t.Fatal("unrelated attributes must survive the purge")
	}
}

func TestDeleteFieldNotFound(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.DeleteField(ctx, "GEPLAN", "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
