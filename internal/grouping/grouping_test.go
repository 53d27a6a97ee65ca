package grouping_test

import (
	"strings"
	"testing"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/grouping"
)

func inst(id, base, dept, key string, closed bool) domain.ProcessInstance {
	p := domain.ProcessInstance{
		ID:         id,
		BaseNumber: base,
		Department: dept,
		CreatedAt:  "2024-01-01T00:00:00Z",
	}
	if key != "" {
		p.Attributes = map[string]domain.FieldValue{
			domain.RelationalKeyAttr: {Kind: "text", Value: key},
		}
	}
	if closed {
		ts := "2024-02-01T00:00:00Z"
		p.ClosedAt = &ts
	}
	return p
}

func TestAnalyzeSingleActiveKey(t *testing.T) {
	set := []domain.ProcessInstance{
		inst("a", "100", "GEPLAN", "100@k1", false),
		inst("b", "100", "GEFIN", "100@k1", false),
		inst("c", "100", "GEJUR", "100@k0", true),
	}
	got := grouping.Analyze("100", set)
	if got.ActiveCount != 2 || got.FinalizedCount != 1 {
		t.Fatalf("counts = %d/%d", got.ActiveCount, got.FinalizedCount)
	}
	if got.RelationalKey != "100@k1" {
		t.Fatalf("key = %q", got.RelationalKey)
	}
	if got.KeyConflict {
		t.Fatal("unexpected key conflict")
	}
	if len(got.ActiveDepartments) != 2 {
		t.Fatalf("active departments = %v", got.ActiveDepartments)
	}
}

func TestAnalyzeKeyConflict(t *testing.T) {
	set := []domain.ProcessInstance{
		inst("a", "100", "GEPLAN", "100@k1", false),
		inst("b", "100", "GEFIN", "100@k2", false),
	}
	got := grouping.Analyze("100", set)
	if !got.KeyConflict {
		t.Fatal("expected key conflict")
	}
	if got.RelationalKey != "" {
		t.Fatalf("conflicting analysis must not pick a key, got %q", got.RelationalKey)
	}
}

func TestAnalyzeFinalizedKeyCarriesOver(t *testing.T) {
	set := []domain.ProcessInstance{
		inst("a", "100", "GEPLAN", "100@k1", true),
		inst("b", "100", "GEFIN", "100@k1", true),
	}
	got := grouping.Analyze("100", set)
	if got.ActiveCount != 0 || got.FinalizedCount != 2 {
		t.Fatalf("counts = %d/%d", got.ActiveCount, got.FinalizedCount)
	}
	if got.RelationalKey != "100@k1" {
		t.Fatalf("key = %q", got.RelationalKey)
	}
}

func TestAnalyzeIgnoresOtherBases(t *testing.T) {
	set := []domain.ProcessInstance{
		inst("a", "100", "GEPLAN", "100@k1", false),
		inst("b", "200", "GEPLAN", "200@k1", false),
	}
	got := grouping.Analyze("100", set)
	if got.ActiveCount != 1 {
		t.Fatalf("active = %d", got.ActiveCount)
	}
}

func TestAnalyzePrefillIsLatest(t *testing.T) {
	older := inst("a", "100", "GEPLAN", "", true)
	older.CreatedAt = "2024-01-01T00:00:00Z"
	newer := inst("b", "100", "GEFIN", "", true)
	newer.CreatedAt = "2024-03-01T00:00:00Z"
	got := grouping.Analyze("100", []domain.ProcessInstance{older, newer})
	if got.Prefill == nil || got.Prefill.ID != "b" {
		t.Fatalf("prefill = %+v", got.Prefill)
	}
}

func TestBelongsToSameGroupLegacyBucket(t *testing.T) {
	keyless := inst("a", "100", "GEPLAN", "", false)
	keyed := inst("b", "100", "GEFIN", "100@k1", false)

	if !grouping.BelongsToSameGroup(keyless, "100", "") {
		t.Fatal("keyless instance should join the keyless bucket")
	}
	if grouping.BelongsToSameGroup(keyed, "100", "") {
		t.Fatal("keyed instance must not join the keyless bucket")
	}
	if grouping.BelongsToSameGroup(keyless, "100", "100@k1") {
		t.Fatal("keyless instance must not join a keyed cycle")
	}
	if !grouping.BelongsToSameGroup(keyed, "100", "100@k1") {
		t.Fatal("matching key should join")
	}
}

func TestActiveInAndHasHistoryIn(t *testing.T) {
	set := []domain.ProcessInstance{
		inst("a", "100", "GEPLAN", "100@k1", false),
		inst("b", "100", "GEFIN", "100@k1", true),
	}
	if !grouping.ActiveIn(set, "100", "100@k1", "GEPLAN", "") {
		t.Fatal("expected active in GEPLAN")
	}
	if grouping.ActiveIn(set, "100", "100@k1", "GEPLAN", "a") {
		t.Fatal("skipID must exclude the instance itself")
	}
	if grouping.ActiveIn(set, "100", "100@k1", "GEFIN", "") {
		t.Fatal("closed instance is not active")
	}
	if !grouping.HasHistoryIn(set, "100", "100@k1", "GEFIN", "") {
		t.Fatal("closed instance still counts as history")
	}
	if grouping.HasHistoryIn(set, "100", "100@k1", "GECON", "") {
		t.Fatal("no history in GECON")
	}
}

func TestMintKey(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 30, 0, 0, time.UTC)
	k1 := grouping.MintKey("100", now)
	k2 := grouping.MintKey("100", now)
	if !strings.HasPrefix(k1, "100@20240510T123000-") {
		t.Fatalf("unexpected key shape %q", k1)
	}
	if k1 == k2 {
		t.Fatal("minted keys must be unique")
	}
}
