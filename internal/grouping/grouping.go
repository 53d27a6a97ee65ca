// Package grouping decides which process instances of a base case number
// belong to the same demand cycle, and when a fresh cycle must be minted.
package grouping

import (
	"context"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

type Resolver struct {
	Repo repo.Repo
}

func New(r repo.Repo) Resolver {
	return Resolver{Repo: r}
}

// Analyze reports active/finalized counts, occupied departments and the
// canonical relational key for a base case number.
func (r Resolver) Analyze(ctx context.Context, base string) (domain.GroupAnalysis, error) {
	instances, err := r.Repo.ListByBase(ctx, base)
	if err != nil {
		return domain.GroupAnalysis{}, err
	}
	return Analyze(base, instances), nil
}

// Analyze is the pure form over an already-loaded instance set.
func Analyze(base string, instances []domain.ProcessInstance) domain.GroupAnalysis {
	out := domain.GroupAnalysis{BaseNumber: base}
	activeKeys := map[string]bool{}
	finalizedKeys := map[string]bool{}
	var latest *domain.ProcessInstance
	for i := range instances {
		p := instances[i]
		if p.BaseNumber != base {
			continue
		}
		if p.Active() {
			out.ActiveCount++
			out.ActiveDepartments = appendUnique(out.ActiveDepartments, p.Department)
			if k := p.RelationalKey(); k != "" {
				activeKeys[k] = true
			}
		} else {
			out.FinalizedCount++
			if k := p.RelationalKey(); k != "" {
				finalizedKeys[k] = true
			}
		}
		if latest == nil || p.CreatedAt > latest.CreatedAt || (p.CreatedAt == latest.CreatedAt && p.ID > latest.ID) {
			c := p
			latest = &c
		}
	}
	out.Prefill = latest
	switch {
	case len(activeKeys) == 1:
		out.RelationalKey = onlyKey(activeKeys)
	case len(activeKeys) > 1:
		// conflicting keys among active instances: resolution is deferred to
		// the caller, who must supply a key or start a new cycle
		out.KeyConflict = true
	case out.ActiveCount == 0 && len(finalizedKeys) == 1:
		out.RelationalKey = onlyKey(finalizedKeys)
	}
	return out
}

// BelongsToSameGroup implements the membership test. With a key, the
// instance must carry the same key. Without one, only keyless instances
// match — the legacy ungrouped bucket, kept until historical rows are
// backfilled with explicit keys.
func BelongsToSameGroup(p domain.ProcessInstance, base, key string) bool {
	if p.BaseNumber != base {
		return false
	}
	if key != "" {
		return p.RelationalKey() == key
	}
	return p.RelationalKey() == ""
}

// Members filters an instance set down to one demand cycle.
func Members(instances []domain.ProcessInstance, base, key string) []domain.ProcessInstance {
	var out []domain.ProcessInstance
	for _, p := range instances {
		if BelongsToSameGroup(p, base, key) {
			out = append(out, p)
		}
	}
	return out
}

// ActiveIn reports whether the cycle already holds an open instance in the
// given department, excluding the instance with skipID.
func ActiveIn(instances []domain.ProcessInstance, base, key, department, skipID string) bool {
	for _, p := range instances {
		if p.ID == skipID {
			continue
		}
		if p.Active() && p.Department == department && BelongsToSameGroup(p, base, key) {
			return true
		}
	}
	return false
}

// HasHistoryIn reports whether the cycle has ever passed through the given
// department, open or not, excluding the instance with skipID.
func HasHistoryIn(instances []domain.ProcessInstance, base, key, department, skipID string) bool {
	for _, p := range instances {
		if p.ID == skipID {
			continue
		}
		if p.Department == department && BelongsToSameGroup(p, base, key) {
			return true
		}
	}
	return false
}

// MintKey derives a fresh relational key for a new demand cycle, so a new
// submission of a fully closed case number does not absorb the old audit
// trail.
func MintKey(base string, now time.Time) string {
	return base + "@" + now.UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func onlyKey(m map[string]bool) string {
	for k := range m {
		return k
	}
	return ""
}
