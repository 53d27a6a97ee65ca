// Package engine is the movement state machine: it validates and records
// every transition a process instance may undergo, one database transaction
// per operation.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/config"
	"caseflow/internal/department"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/grouping"
	"caseflow/internal/repo"
	"caseflow/internal/snapshot"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Norm   department.Normalizer
	Groups grouping.Resolver
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Norm:   department.New(cfg),
		Groups: grouping.New(r),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Result carries the instances touched by a transition plus a non-fatal
// warning, used by the department-finalization sibling-conflict degrade.
type Result struct {
	Instances []domain.ProcessInstance
	Warning   string
}

// CreateOptions are parameters for creating a process instance.
type CreateOptions struct {
	CaseNumber       string
	Department       string
	RelationalKey    string
	Subject          string
	Stakeholder      string
	ExternalParty    string
	Status           string
	Coordination     string
	Team             string
	AssigneeID       string
	DeadlineAt       string
	ReviewDeadlineAt string
	Notes            string
	Attributes       map[string]domain.FieldValue
	ActorID          string
}

// CreateInstance starts a process record in a department. A fresh relational
// key is minted when the base number has only finalized history, so the new
// cycle does not absorb the closed one's audit trail.
func (e Engine) CreateInstance(ctx context.Context, opts CreateOptions) (domain.ProcessInstance, error) {
	if e.Config == nil {
		return domain.ProcessInstance{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.CaseNumber) == "" {
		return domain.ProcessInstance{}, ValidationError{Reason: ReasonMissingMandatoryField, Fields: []string{"case_number"}}
	}
	dept, ok := e.Norm.Normalize(opts.Department, false)
	if !ok {
		return domain.ProcessInstance{}, ValidationError{Reason: ReasonInvalidDepartment, Fields: []string{opts.Department}}
	}
	if !e.Config.StatusAllowed(dept, opts.Status) {
		return domain.ProcessInstance{}, ValidationError{Reason: ReasonInvalidStatus, Fields: []string{opts.Status}}
	}
	if err := e.validateAttributes(ctx, dept, opts.Attributes); err != nil {
		return domain.ProcessInstance{}, err
	}
	base := e.Norm.ExtractBase(opts.CaseNumber)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()

	siblings, err := e.Repo.ListByBaseTx(ctx, tx, base)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	analysis := grouping.Analyze(base, siblings)
	key := opts.RelationalKey
	if key == "" {
		switch {
		case analysis.ActiveCount == 0 && analysis.FinalizedCount > 0:
			key = grouping.MintKey(base, e.now())
		case analysis.KeyConflict:
			return domain.ProcessInstance{}, ConflictError{Reason: ReasonRelationalKeyConflict}
		default:
			key = analysis.RelationalKey
		}
	}
	if grouping.ActiveIn(siblings, base, key, dept, "") {
		return domain.ProcessInstance{}, ConflictError{Reason: ReasonDuplicateActive, Departments: []string{dept}}
	}

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.ProcessInstance{
		ID:               uuid.NewString(),
		CaseNumber:       e.Norm.CaseNumber(dept, base),
		BaseNumber:       base,
		Department:       dept,
		Subject:          opts.Subject,
		Stakeholder:      opts.Stakeholder,
		ExternalParty:    optionalString(opts.ExternalParty),
		Status:           opts.Status,
		Coordination:     opts.Coordination,
		Team:             opts.Team,
		AssigneeID:       optionalString(opts.AssigneeID),
		DeadlineAt:       optionalString(opts.DeadlineAt),
		ReviewDeadlineAt: optionalString(opts.ReviewDeadlineAt),
		Notes:            opts.Notes,
		Attributes:       withRelationalKey(opts.Attributes, key),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertInstance(ctx, tx, p); err != nil {
		return domain.ProcessInstance{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := e.Events.Append(ctx, tx, domain.MovementEvent{
		InstanceID:     p.ID,
		Kind:           domain.MoveCreation,
		FromDepartment: domain.DeptIntake,
		ToDepartment:   dept,
		ActorID:        opts.ActorID,
		OccurredAt:     now,
	}); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessInstance{}, err
	}
	return p, nil
}

// Transfer moves an instance to another concrete department. An active
// sibling of the same cycle in the target rejects the move outright; mere
// group history there lets the pointer move but restarts the downstream
// fields blank.
func (e Engine) Transfer(ctx context.Context, instanceID, targetRaw, actorID string) (Result, error) {
	target, ok := e.Norm.Normalize(targetRaw, false)
	if !ok {
		return Result{}, ValidationError{Reason: ReasonInvalidDepartment, Fields: []string{targetRaw}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	p, err := e.getInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return Result{}, err
	}
	if !p.Active() {
		return Result{}, IllegalTransitionError{Reason: ReasonAlreadyClosed, From: p.Department, Kind: domain.MoveTransfer}
	}
	if p.Department == target {
		return Result{}, ValidationError{Reason: ReasonInvalidDepartment, Fields: []string{"instance already in " + target}}
	}
	siblings, err := e.Repo.ListByBaseTx(ctx, tx, p.BaseNumber)
	if err != nil {
		return Result{}, err
	}
	key := p.RelationalKey()
	if grouping.ActiveIn(siblings, p.BaseNumber, key, target, p.ID) {
		return Result{}, ConflictError{Reason: ReasonDuplicateActive, Departments: []string{target}}
	}

	now := e.now().UTC().Format(time.RFC3339)
	snap := snapshot.Capture(p)
	if err := e.Events.Append(ctx, tx, domain.MovementEvent{
		InstanceID:     p.ID,
		Kind:           domain.MoveTransfer,
		FromDepartment: p.Department,
		ToDepartment:   target,
		ActorID:        actorID,
		OccurredAt:     now,
		Snapshot:       &snap,
	}); err != nil {
		return Result{}, err
	}

	if grouping.HasHistoryIn(siblings, p.BaseNumber, key, target, p.ID) {
		resetDepartmentFields(&p)
	} else if !e.Config.StatusAllowed(target, p.Status) {
		p.Status = ""
	}
	p.Department = target
	p.CaseNumber = e.Norm.CaseNumber(target, p.BaseNumber)
	p.ReturnedToTriage = false
	p.UpdatedAt = now
	if err := e.Repo.UpdateInstance(ctx, tx, p); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Instances: []domain.ProcessInstance{p}}, nil
}

// FinalizeDepartmentOptions parameterize the hand-off out of a department.
type FinalizeDepartmentOptions struct {
	InstanceID string
	// NextDepartment optionally spawns a sibling branch downstream.
	NextDepartment string
	ActorID        string
}

// FinalizeDepartment closes the department leg: the instance always routes
// to outbound review with a snapshot. When a downstream department is named
// and the cycle has no history there, a sibling instance is spawned; prior
// history degrades the sibling to a warning instead of failing the leg.
func (e Engine) FinalizeDepartment(ctx context.Context, opts FinalizeDepartmentOptions) (Result, error) {
	var next string
	if opts.NextDepartment != "" {
		var ok bool
		next, ok = e.Norm.Normalize(opts.NextDepartment, false)
		if !ok {
			return Result{}, ValidationError{Reason: ReasonInvalidDepartment, Fields: []string{opts.NextDepartment}}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	p, err := e.getInstanceTx(ctx, tx, opts.InstanceID)
	if err != nil {
		return Result{}, err
	}
	if !p.Active() {
		return Result{}, IllegalTransitionError{Reason: ReasonAlreadyClosed, From: p.Department, Kind: domain.MoveDepartmentFinalization}
	}
	if !e.Norm.IsConcrete(p.Department) {
		return Result{}, IllegalTransitionError{From: p.Department, Kind: domain.MoveDepartmentFinalization}
	}
	if missing := missingMandatory(p); len(missing) > 0 {
		return Result{}, ValidationError{Reason: ReasonMissingMandatoryField, Fields: missing}
	}

	now := e.now().UTC().Format(time.RFC3339)
	snap := snapshot.Capture(p)
	if err := e.Events.Append(ctx, tx, domain.MovementEvent{
		InstanceID:     p.ID,
		Kind:           domain.MoveDepartmentFinalization,
		FromDepartment: p.Department,
		ToDepartment:   domain.DeptOutboundReview,
		ActorID:        opts.ActorID,
		OccurredAt:     now,
		Snapshot:       &snap,
	}); err != nil {
		return Result{}, err
	}
	from := p.Department
	p.Department = domain.DeptOutboundReview
	p.Status = ""
	p.UpdatedAt = now
	if err := e.Repo.UpdateInstance(ctx, tx, p); err != nil {
		return Result{}, err
	}

	res := Result{Instances: []domain.ProcessInstance{p}}
	if next != "" {
		siblings, err := e.Repo.ListByBaseTx(ctx, tx, p.BaseNumber)
		if err != nil {
			return Result{}, err
		}
		key := p.RelationalKey()
		if grouping.HasHistoryIn(siblings, p.BaseNumber, key, next, p.ID) {
			// the department leg itself must not be lost; the downstream
			// branch is skipped and reported, not failed
			res.Warning = ReasonDuplicateActive + ": " + next
		} else {
			sibling, err := e.spawnSibling(ctx, tx, p, from, next, opts.ActorID, now)
			if err != nil {
				return Result{}, err
			}
			res.Instances = append(res.Instances, sibling)
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// FinalizeGlobal closes the whole demand cycle. Permitted only from
// outbound review; every open sibling still sitting there is closed in the
// same transaction with the same timestamp. Irreversible.
func (e Engine) FinalizeGlobal(ctx context.Context, instanceID, actorID string) (Result, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	p, err := e.getInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return Result{}, err
	}
	if !p.Active() {
		return Result{}, IllegalTransitionError{Reason: ReasonAlreadyClosed, From: p.Department, Kind: domain.MoveGlobalFinalization}
	}
	if p.Department != domain.DeptOutboundReview {
		return Result{}, IllegalTransitionError{From: p.Department, Kind: domain.MoveGlobalFinalization}
	}
	siblings, err := e.Repo.ListByBaseTx(ctx, tx, p.BaseNumber)
	if err != nil {
		return Result{}, err
	}
	key := p.RelationalKey()
	now := e.now().UTC().Format(time.RFC3339)
	var closed []domain.ProcessInstance
	for _, member := range grouping.Members(siblings, p.BaseNumber, key) {
		if !member.Active() || member.Department != domain.DeptOutboundReview {
			continue
		}
		member.ClosedAt = &now
		member.ClosedBy = &actorID
		member.UpdatedAt = now
		if err := e.Repo.UpdateInstance(ctx, tx, member); err != nil {
			return Result{}, err
		}
		if err := e.Events.Append(ctx, tx, domain.MovementEvent{
			InstanceID:     member.ID,
			Kind:           domain.MoveGlobalFinalization,
			FromDepartment: domain.DeptOutboundReview,
			ToDepartment:   domain.DeptClosed,
			ActorID:        actorID,
			OccurredAt:     now,
		}); err != nil {
			return Result{}, err
		}
		closed = append(closed, member)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Instances: closed}, nil
}

// ReturnFromReview sends an instance back out of outbound review. Returning
// to the department that last dispatched it moves the same row back and
// flags it for re-triage; any other department spawns a new branch under
// the usual duplicate-active guard.
func (e Engine) ReturnFromReview(ctx context.Context, instanceID, targetRaw, actorID string) (Result, error) {
	target, ok := e.Norm.Normalize(targetRaw, false)
	if !ok {
		return Result{}, ValidationError{Reason: ReasonInvalidDepartment, Fields: []string{targetRaw}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	p, err := e.getInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return Result{}, err
	}
	if !p.Active() {
		return Result{}, IllegalTransitionError{Reason: ReasonAlreadyClosed, From: p.Department, Kind: domain.MoveReturnToIntake}
	}
	if p.Department != domain.DeptOutboundReview {
		return Result{}, IllegalTransitionError{From: p.Department, Kind: domain.MoveReturnToIntake}
	}
	evs, err := e.Repo.ListEventsTx(ctx, tx, p.ID)
	if err != nil {
		return Result{}, err
	}
	origin := ""
	for _, ev := range evs {
		if ev.ToDepartment == domain.DeptOutboundReview {
			origin = ev.FromDepartment
		}
	}
	now := e.now().UTC().Format(time.RFC3339)

	if target == origin {
		if err := e.Events.Append(ctx, tx, domain.MovementEvent{
			InstanceID:     p.ID,
			Kind:           domain.MoveReturnToIntake,
			FromDepartment: domain.DeptOutboundReview,
			ToDepartment:   origin,
			ActorID:        actorID,
			OccurredAt:     now,
		}); err != nil {
			return Result{}, err
		}
		p.Department = origin
		p.Status = ""
		p.ReturnedToTriage = true
		p.UpdatedAt = now
		if err := e.Repo.UpdateInstance(ctx, tx, p); err != nil {
			return Result{}, err
		}
		if err := tx.Commit(); err != nil {
			return Result{}, err
		}
		return Result{Instances: []domain.ProcessInstance{p}}, nil
	}

	siblings, err := e.Repo.ListByBaseTx(ctx, tx, p.BaseNumber)
	if err != nil {
		return Result{}, err
	}
	key := p.RelationalKey()
	if grouping.ActiveIn(siblings, p.BaseNumber, key, target, p.ID) {
		return Result{}, ConflictError{Reason: ReasonDuplicateActive, Departments: []string{target}}
	}
	sibling, err := e.spawnSibling(ctx, tx, p, domain.DeptOutboundReview, target, actorID, now)
	if err != nil {
		return Result{}, err
	}
	sibling.ReturnedToTriage = true
	if err := e.Repo.UpdateInstance(ctx, tx, sibling); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Instances: []domain.ProcessInstance{p, sibling}}, nil
}

// Reassign changes the responsible person. The assignee must hold a grant
// for the instance's department and, where the instance specifies them, its
// coordination and team scopes.
func (e Engine) Reassign(ctx context.Context, instanceID, assigneeID, actorID string) (domain.ProcessInstance, error) {
	if assigneeID == "" {
		return domain.ProcessInstance{}, ValidationError{Reason: ReasonMissingMandatoryField, Fields: []string{"assignee_id"}}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()

	p, err := e.getInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if !p.Active() {
		return domain.ProcessInstance{}, IllegalTransitionError{Reason: ReasonAlreadyClosed, From: p.Department, Kind: domain.MoveReassignment}
	}
	if !e.Config.UserHasDepartment(assigneeID, p.Department) ||
		!e.Config.UserHasCoordination(assigneeID, p.Coordination) ||
		!e.Config.UserHasTeam(assigneeID, p.Team) {
		return domain.ProcessInstance{}, ValidationError{Reason: ReasonUnauthorizedAssignee, Fields: []string{assigneeID}}
	}
	previous := ""
	if p.AssigneeID != nil {
		previous = *p.AssigneeID
	}
	now := e.now().UTC().Format(time.RFC3339)
	p.AssigneeID = &assigneeID
	p.UpdatedAt = now
	if err := e.Repo.UpdateInstance(ctx, tx, p); err != nil {
		return domain.ProcessInstance{}, err
	}
	reason := "assigned to " + assigneeID
	if previous != "" {
		reason = "reassigned from " + previous + " to " + assigneeID
	}
	if err := e.Events.Append(ctx, tx, domain.MovementEvent{
		InstanceID:     p.ID,
		Kind:           domain.MoveReassignment,
		FromDepartment: p.Department,
		ToDepartment:   p.Department,
		Reason:         reason,
		ActorID:        actorID,
		OccurredAt:     now,
	}); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessInstance{}, err
	}
	return p, nil
}

// EditOptions carry free-field mutations; nil pointers leave a field alone.
type EditOptions struct {
	InstanceID       string
	Subject          *string
	Stakeholder      *string
	ExternalParty    *string
	Status           *string
	Coordination     *string
	Team             *string
	DeadlineAt       *string
	ReviewDeadlineAt *string
	Notes            *string
	// SetAttributes upserts bag entries; RemoveAttributes deletes keys.
	SetAttributes    map[string]domain.FieldValue
	RemoveAttributes []string
	ActorID          string
}

// Edit mutates workflow fields. A diff-summary event is written only when a
// tracked field actually changed; a status change is split into its own
// status_change event for cleaner history.
func (e Engine) Edit(ctx context.Context, opts EditOptions) (domain.ProcessInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	defer tx.Rollback()

	p, err := e.getInstanceTx(ctx, tx, opts.InstanceID)
	if err != nil {
		return domain.ProcessInstance{}, err
	}
	if !p.Active() {
		return domain.ProcessInstance{}, IllegalTransitionError{Reason: ReasonAlreadyClosed, From: p.Department, Kind: domain.MoveEdit}
	}
	if opts.Status != nil && !e.Config.StatusAllowed(p.Department, *opts.Status) {
		return domain.ProcessInstance{}, ValidationError{Reason: ReasonInvalidStatus, Fields: []string{*opts.Status}}
	}
	if err := e.validateAttributes(ctx, p.Department, opts.SetAttributes); err != nil {
		return domain.ProcessInstance{}, err
	}

	var diffs []string
	statusDiff := ""
	apply := func(name string, dst *string, src *string) {
		if src == nil || *src == *dst {
			return
		}
		diffs = append(diffs, name+": "+orBlank(*dst)+" -> "+orBlank(*src))
		*dst = *src
	}
	applyPtr := func(name string, dst **string, src *string) {
		if src == nil {
			return
		}
		old := ""
		if *dst != nil {
			old = **dst
		}
		if *src == old {
			return
		}
		diffs = append(diffs, name+": "+orBlank(old)+" -> "+orBlank(*src))
		*dst = optionalString(*src)
	}

	apply("subject", &p.Subject, opts.Subject)
	apply("stakeholder", &p.Stakeholder, opts.Stakeholder)
	applyPtr("external_party", &p.ExternalParty, opts.ExternalParty)
	apply("coordination", &p.Coordination, opts.Coordination)
	apply("team", &p.Team, opts.Team)
	applyPtr("deadline_at", &p.DeadlineAt, opts.DeadlineAt)
	applyPtr("review_deadline_at", &p.ReviewDeadlineAt, opts.ReviewDeadlineAt)
	apply("notes", &p.Notes, opts.Notes)
	if opts.Status != nil && *opts.Status != p.Status {
		statusDiff = "status: " + orBlank(p.Status) + " -> " + orBlank(*opts.Status)
		p.Status = *opts.Status
	}
	for k, v := range opts.SetAttributes {
		if old, ok := p.Attributes[k]; !ok || old != v {
			oldVal := ""
			if ok {
				oldVal = old.Value
			}
			diffs = append(diffs, k+": "+orBlank(oldVal)+" -> "+orBlank(v.Value))
			if p.Attributes == nil {
				p.Attributes = map[string]domain.FieldValue{}
			}
			p.Attributes[k] = v
		}
	}
	for _, k := range opts.RemoveAttributes {
		if k == domain.RelationalKeyAttr {
			continue
		}
		if old, ok := p.Attributes[k]; ok {
			diffs = append(diffs, k+": "+orBlank(old.Value)+" -> (removed)")
			delete(p.Attributes, k)
		}
	}

	if len(diffs) == 0 && statusDiff == "" {
		return p, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	p.UpdatedAt = now
	if err := e.Repo.UpdateInstance(ctx, tx, p); err != nil {
		return domain.ProcessInstance{}, err
	}
	if len(diffs) > 0 {
		if err := e.Events.Append(ctx, tx, domain.MovementEvent{
			InstanceID:     p.ID,
			Kind:           domain.MoveEdit,
			FromDepartment: p.Department,
			ToDepartment:   p.Department,
			Reason:         strings.Join(diffs, "; "),
			ActorID:        opts.ActorID,
			OccurredAt:     now,
		}); err != nil {
			return domain.ProcessInstance{}, err
		}
	}
	if statusDiff != "" {
		if err := e.Events.Append(ctx, tx, domain.MovementEvent{
			InstanceID:     p.ID,
			Kind:           domain.MoveStatusChange,
			FromDepartment: p.Department,
			ToDepartment:   p.Department,
			Reason:         statusDiff,
			ActorID:        opts.ActorID,
			OccurredAt:     now,
		}); err != nil {
			return domain.ProcessInstance{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProcessInstance{}, err
	}
	return p, nil
}

// Inspect resolves a raw case number and reports what already exists for it.
func (e Engine) Inspect(ctx context.Context, rawNumber string) (domain.GroupAnalysis, error) {
	return e.Groups.Analyze(ctx, e.Norm.ExtractBase(rawNumber))
}

// --- helpers ---

func (e Engine) getInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProcessInstance, error) {
	p, err := e.Repo.GetInstanceTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, NotFoundError{ID: id}
	}
	return p, err
}

// spawnSibling starts a new lineage branch of the same cycle in a target
// department. Descriptive fields carry over; workflow fields start blank.
func (e Engine) spawnSibling(ctx context.Context, tx *sql.Tx, p domain.ProcessInstance, from, target, actorID, now string) (domain.ProcessInstance, error) {
	sibling := domain.ProcessInstance{
		ID:            uuid.NewString(),
		CaseNumber:    e.Norm.CaseNumber(target, p.BaseNumber),
		BaseNumber:    p.BaseNumber,
		Department:    target,
		Subject:       p.Subject,
		Stakeholder:   p.Stakeholder,
		ExternalParty: p.ExternalParty,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if key := p.RelationalKey(); key != "" {
		sibling.Attributes = withRelationalKey(nil, key)
	}
	if err := e.Repo.InsertInstance(ctx, tx, sibling); err != nil {
		return domain.ProcessInstance{}, fmt.Errorf("insert sibling: %w", err)
	}
	if err := e.Events.Append(ctx, tx, domain.MovementEvent{
		InstanceID:     sibling.ID,
		Kind:           domain.MoveCreation,
		FromDepartment: from,
		ToDepartment:   target,
		ActorID:        actorID,
		OccurredAt:     now,
	}); err != nil {
		return domain.ProcessInstance{}, err
	}
	return sibling, nil
}

func (e Engine) validateAttributes(ctx context.Context, dept string, attrs map[string]domain.FieldValue) error {
	if len(attrs) == 0 {
		return nil
	}
	defs, err := e.Repo.ListFields(ctx, dept)
	if err != nil {
		return err
	}
	byKey := map[string]domain.DepartmentField{}
	for _, d := range defs {
		byKey[d.Key] = d
	}
	var bad []string
	for k, v := range attrs {
		if k == domain.RelationalKeyAttr {
			continue
		}
		def, ok := byKey[k]
		if !ok {
			bad = append(bad, k+" (no definition for "+dept+")")
			continue
		}
		if v.Kind != def.ValueKind {
			bad = append(bad, k+" (kind "+v.Kind+", want "+def.ValueKind+")")
			continue
		}
		switch def.ValueKind {
		case "number":
			if _, err := strconv.ParseFloat(v.Value, 64); err != nil {
				bad = append(bad, k+" (not a number)")
			}
		case "date":
			if _, err := time.Parse("2006-01-02", v.Value); err != nil {
				bad = append(bad, k+" (not a date)")
			}
		}
	}
	if len(bad) > 0 {
		return ValidationError{Reason: "invalid-attribute", Fields: bad}
	}
	return nil
}

func missingMandatory(p domain.ProcessInstance) []string {
	var missing []string
	if p.Coordination == "" {
		missing = append(missing, "coordination")
	}
	if p.Team == "" {
		missing = append(missing, "team")
	}
	if p.AssigneeID == nil || *p.AssigneeID == "" {
		missing = append(missing, "assignee_id")
	}
	if p.Status == "" {
		missing = append(missing, "status")
	}
	return missing
}

func resetDepartmentFields(p *domain.ProcessInstance) {
	p.Status = ""
	p.Coordination = ""
	p.Team = ""
	p.AssigneeID = nil
	p.DeadlineAt = nil
	p.ReviewDeadlineAt = nil
	p.Notes = ""
	if key := p.RelationalKey(); key != "" {
		p.Attributes = withRelationalKey(nil, key)
	} else {
		p.Attributes = nil
	}
}

func withRelationalKey(attrs map[string]domain.FieldValue, key string) map[string]domain.FieldValue {
	if key == "" {
		return attrs
	}
	out := make(map[string]domain.FieldValue, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[domain.RelationalKeyAttr] = domain.FieldValue{Kind: "text", Value: key}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orBlank(s string) string {
	if s == "" {
		return "(blank)"
	}
	return s
}
