package department_test

import (
	"testing"

	"caseflow/internal/config"
	"caseflow/internal/department"
)

func newNormalizer() department.Normalizer {
	return department.New(config.Default())
}

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"Gerência de Planejamento": "GERENCIA DE PLANEJAMENTO",
		"  geplan  ":               "GEPLAN",
		"Assessoria   Jurídica":    "ASSESSORIA JURIDICA",
		"":                         "",
	}
	for in, want := range cases {
		if got := department.Canonical(in); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeCodeNameAlias(t *testing.T) {
	n := newNormalizer()
	cases := map[string]string{
		"GEPLAN":                   "GEPLAN",
		"geplan":                   "GEPLAN",
		"Gerência de Planejamento": "GEPLAN",
		"PLANEJAMENTO":             "GEPLAN",
		"Financeiro":               "GEFIN",
		"assessoria jurídica":      "GEJUR",
	}
	for in, want := range cases {
		got, ok := n.Normalize(in, false)
		if !ok || got != want {
			t.Errorf("Normalize(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
}

func TestNormalizeEmbedded(t *testing.T) {
	n := newNormalizer()
	cases := map[string]string{
		"GEPLAN - DOP":            "GEPLAN",
		"Despacho (GEJUR)":        "GEJUR",
		"ENCAMINHADO/CONTRATOS":   "GECON",
		"Setor GEFIN, prioridade": "GEFIN",
	}
	for in, want := range cases {
		got, ok := n.Normalize(in, false)
		if !ok || got != want {
			t.Errorf("Normalize(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	// a department code embedded without separators is not a match
	if _, ok := n.Normalize("XGEPLANX", false); ok {
		t.Errorf("expected XGEPLANX to be unresolvable")
	}
}

func TestNormalizeIntakeAliases(t *testing.T) {
	n := newNormalizer()
	got, ok := n.Normalize("Protocolo", false)
	if !ok || got != "GEPLAN" {
		t.Fatalf("intake alias should map to default department, got %q, %v", got, ok)
	}
	got, ok = n.Normalize("Entrada", true)
	if !ok || got != "INTAKE" {
		t.Fatalf("allowPseudo should keep the pseudo code, got %q, %v", got, ok)
	}
}

func TestNormalizeUnknown(t *testing.T) {
	n := newNormalizer()
	for _, in := range []string{"", "   ", "GERENCIA DESCONHECIDA"} {
		if got, ok := n.Normalize(in, false); ok {
			t.Errorf("Normalize(%q) = %q, expected no match", in, got)
		}
	}
}

func TestExtractBase(t *testing.T) {
	n := newNormalizer()
	cases := map[string]string{
		"GEPLAN-2024001":        "2024001",
		"geplan - 2024001":      "2024001",
		"FINANCEIRO-555":        "555",
		"2024001":               "2024001",
		"SEI-123456":            "SEI-123456",
		"GEPLAN-GEFIN-77":       "GEFIN-77",
		"2024-001":              "2024-001",
		"-123":                  "-123",
		"GEPLAN-":               "GEPLAN-",
		"  GEJUR-2024.00042  ":  "2024.00042",
		"PROC 2024/7 - ANEXO 2": "PROC 2024/7 - ANEXO 2",
	}
	for in, want := range cases {
		if got := n.ExtractBase(in); got != want {
			t.Errorf("ExtractBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCaseNumberRoundTrip(t *testing.T) {
	n := newNormalizer()
	built := n.CaseNumber("GEFIN", "2024001")
	if built != "GEFIN-2024001" {
		t.Fatalf("unexpected case number %q", built)
	}
	if got := n.ExtractBase(built); got != "2024001" {
		t.Fatalf("ExtractBase(%q) = %q", built, got)
	}
}

func TestIsConcrete(t *testing.T) {
	n := newNormalizer()
	if !n.IsConcrete("GEPLAN") {
		t.Fatal("GEPLAN should be concrete")
	}
	for _, pseudo := range []string{"INTAKE", "OUTBOUND_REVIEW", "CLOSED"} {
		if n.IsConcrete(pseudo) {
			t.Errorf("%s should not be concrete", pseudo)
		}
	}
}
