// Package department canonicalizes free-form department names and
// department-prefixed case numbers against the configured routing vocabulary.
package department

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"caseflow/internal/config"
	"caseflow/internal/domain"
)

// Normalizer resolves raw identifiers against a fixed vocabulary.
type Normalizer struct {
	Config *config.Config
}

func New(cfg *config.Config) Normalizer {
	return Normalizer{Config: cfg}
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Canonical accent-strips, uppercases and collapses whitespace.
func Canonical(raw string) string {
	out, _, err := transform.String(stripAccents, raw)
	if err != nil {
		out = raw
	}
	return strings.Join(strings.Fields(strings.ToUpper(out)), " ")
}

// Normalize resolves raw to a department code. Intake synonyms map to the
// default department unless allowPseudo is set, in which case the pseudo
// code itself is returned. Department names embedded inside longer strings
// ("GEPLAN - DOP") are recognized as well.
func (n Normalizer) Normalize(raw string, allowPseudo bool) (string, bool) {
	c := Canonical(raw)
	if c == "" {
		return "", false
	}
	for _, alias := range n.Config.Routing.IntakeAliases {
		if c == Canonical(alias) {
			if allowPseudo {
				return domain.DeptIntake, true
			}
			return n.Config.Routing.DefaultDepartment, true
		}
	}
	if allowPseudo && (c == domain.DeptIntake || c == Canonical(domain.DeptOutboundReview)) {
		if c == domain.DeptIntake {
			return domain.DeptIntake, true
		}
		return domain.DeptOutboundReview, true
	}
	// exact code or alias
	for _, d := range n.Config.Routing.Departments {
		if c == d.Code || c == Canonical(d.Name) {
			return d.Code, true
		}
		for _, alias := range d.Aliases {
			if c == Canonical(alias) {
				return d.Code, true
			}
		}
	}
	// embedded token match
	for _, d := range n.Config.Routing.Departments {
		if containsToken(c, d.Code) {
			return d.Code, true
		}
		for _, alias := range d.Aliases {
			if containsToken(c, Canonical(alias)) {
				return d.Code, true
			}
		}
	}
	return "", false
}

// ExtractBase strips exactly one leading DEPARTMENT- prefix from a case
// number, but only when the prefix resolves to a known department code.
// Numbers that legitimately contain hyphens pass through untouched; with
// multiple hyphens only the first segment is ever interpreted as a prefix.
func (n Normalizer) ExtractBase(raw string) string {
	s := strings.TrimSpace(raw)
	idx := strings.Index(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return s
	}
	prefix := strings.TrimSpace(s[:idx])
	if _, ok := n.exactDepartment(prefix); !ok {
		return s
	}
	return strings.TrimSpace(s[idx+1:])
}

// CaseNumber builds the department-prefixed display number.
func (n Normalizer) CaseNumber(department, base string) string {
	return department + "-" + base
}

// exactDepartment matches only whole codes and aliases, without the
// embedded-token fallback; used for prefix stripping so that arbitrary
// hyphenated numbers are not corrupted.
func (n Normalizer) exactDepartment(raw string) (string, bool) {
	c := Canonical(raw)
	if c == "" {
		return "", false
	}
	for _, d := range n.Config.Routing.Departments {
		if c == d.Code {
			return d.Code, true
		}
		for _, alias := range d.Aliases {
			if c == Canonical(alias) {
				return d.Code, true
			}
		}
	}
	return "", false
}

// IsConcrete reports whether code belongs to the configured vocabulary, as
// opposed to a lifecycle pseudo-department.
func (n Normalizer) IsConcrete(code string) bool {
	_, ok := n.Config.Department(code)
	return ok
}

func containsToken(haystack, token string) bool {
	if token == "" {
		return false
	}
	padded := " " + strings.Map(separatorToSpace, haystack) + " "
	return strings.Contains(padded, " "+token+" ")
}

func separatorToSpace(r rune) rune {
	if r == '-' || r == '/' || r == '.' || r == ',' || r == '(' || r == ')' {
		return ' '
	}
	return r
}
