package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const instanceColumns = `id,case_number,base_number,department,subject,stakeholder,external_party,status,coordination,team,assignee_id,deadline_at,review_deadline_at,notes,attributes_json,returned_to_triage,closed_at,closed_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc rowScanner) (domain.ProcessInstance, error) {
	var p domain.ProcessInstance
	var subject, stakeholder, externalParty, status, coordination, team, assigneeID sql.NullString
	var deadlineAt, reviewDeadlineAt, notes, attributesJSON, closedAt, closedBy sql.NullString
	var returned int
	err := sc.Scan(&p.ID, &p.CaseNumber, &p.BaseNumber, &p.Department, &subject, &stakeholder, &externalParty,
		&status, &coordination, &team, &assigneeID, &deadlineAt, &reviewDeadlineAt, &notes, &attributesJSON,
		&returned, &closedAt, &closedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Subject = subject.String
	p.Stakeholder = stakeholder.String
	if externalParty.Valid {
		p.ExternalParty = &externalParty.String
	}
	p.Status = status.String
	p.Coordination = coordination.String
	p.Team = team.String
	if assigneeID.Valid {
		p.AssigneeID = &assigneeID.String
	}
	if deadlineAt.Valid {
		p.DeadlineAt = &deadlineAt.String
	}
	if reviewDeadlineAt.Valid {
		p.ReviewDeadlineAt = &reviewDeadlineAt.String
	}
	p.Notes = notes.String
	if attributesJSON.Valid && attributesJSON.String != "" {
		if err := json.Unmarshal([]byte(attributesJSON.String), &p.Attributes); err != nil {
			return p, fmt.Errorf("decode attributes of %s: %w", p.ID, err)
		}
	}
	p.ReturnedToTriage = returned != 0
	if closedAt.Valid {
		p.ClosedAt = &closedAt.String
	}
	if closedBy.Valid {
		p.ClosedBy = &closedBy.String
	}
	return p, nil
}

func marshalAttributes(attrs map[string]domain.FieldValue) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return string(data), nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, p domain.ProcessInstance) error {
	attrs, err := marshalAttributes(p.Attributes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO process_instances(`+instanceColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CaseNumber, p.BaseNumber, p.Department, nullable(p.Subject), nullable(p.Stakeholder), nullableStringPtr(p.ExternalParty),
		nullable(p.Status), nullable(p.Coordination), nullable(p.Team), nullableStringPtr(p.AssigneeID),
		nullableStringPtr(p.DeadlineAt), nullableStringPtr(p.ReviewDeadlineAt), nullable(p.Notes), attrs,
		boolInt(p.ReturnedToTriage), nullableStringPtr(p.ClosedAt), nullableStringPtr(p.ClosedBy), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, p domain.ProcessInstance) error {
	attrs, err := marshalAttributes(p.Attributes)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE process_instances SET case_number=?, base_number=?, department=?, subject=?, stakeholder=?, external_party=?, status=?, coordination=?, team=?, assignee_id=?, deadline_at=?, review_deadline_at=?, notes=?, attributes_json=?, returned_to_triage=?, closed_at=?, closed_by=?, updated_at=? WHERE id=?`,
		p.CaseNumber, p.BaseNumber, p.Department, nullable(p.Subject), nullable(p.Stakeholder), nullableStringPtr(p.ExternalParty),
		nullable(p.Status), nullable(p.Coordination), nullable(p.Team), nullableStringPtr(p.AssigneeID),
		nullableStringPtr(p.DeadlineAt), nullableStringPtr(p.ReviewDeadlineAt), nullable(p.Notes), attrs,
		boolInt(p.ReturnedToTriage), nullableStringPtr(p.ClosedAt), nullableStringPtr(p.ClosedBy), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.ProcessInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id=?`, id))
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProcessInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id=?`, id))
}

// ListByBase returns every lineage branch sharing a base case number,
// oldest first. Grouping by relational key happens above the repo; the key
// lives in the attribute bag, not in a column.
func (r Repo) ListByBase(ctx context.Context, base string) ([]domain.ProcessInstance, error) {
	return r.listByBase(ctx, r.DB.QueryContext, base)
}

func (r Repo) ListByBaseTx(ctx context.Context, tx *sql.Tx, base string) ([]domain.ProcessInstance, error) {
	return r.listByBase(ctx, tx.QueryContext, base)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listByBase(ctx context.Context, query queryFn, base string) ([]domain.ProcessInstance, error) {
	rows, err := query(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE base_number=? ORDER BY created_at ASC, id ASC`, base)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessInstance
	for rows.Next() {
		p, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type InstanceFilters struct {
	Department string
	Status     string
	AssigneeID string
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.ProcessInstance, error) {
	var clauses []string
	var args []any
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, f.Department)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "closed_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM process_instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessInstance
	for rows.Next() {
		p, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountActiveByDepartment aggregates open instances per department.
// Instances flagged as returned for intake re-triage are excluded from
// their nominal department's count.
func (r Repo) CountActiveByDepartment(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT department, count(*) FROM process_instances
WHERE closed_at IS NULL AND returned_to_triage=0 GROUP BY department`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var dept string
		var count int
		if err := rows.Scan(&dept, &count); err != nil {
			return nil, err
		}
		res[dept] = count
	}
	return res, rows.Err()
}

func (r Repo) DeleteInstance(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM process_instances WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns the movement ledger of one instance in replay order:
// occurred_at first, insertion order as the tie-break.
func (r Repo) ListEvents(ctx context.Context, instanceID string) ([]domain.MovementEvent, error) {
	return r.listEvents(ctx, r.DB.QueryContext, []string{instanceID})
}

func (r Repo) ListEventsTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.MovementEvent, error) {
	return r.listEvents(ctx, tx.QueryContext, []string{instanceID})
}

// ListGroupEvents merges the ledgers of several instances (a demand cycle)
// in replay order.
func (r Repo) ListGroupEvents(ctx context.Context, instanceIDs []string) ([]domain.MovementEvent, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	return r.listEvents(ctx, r.DB.QueryContext, instanceIDs)
}

func (r Repo) listEvents(ctx context.Context, query queryFn, instanceIDs []string) ([]domain.MovementEvent, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(instanceIDs)), ",")
	args := make([]any, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		args = append(args, id)
	}
	rows, err := query(ctx, `SELECT id,instance_id,kind,from_department,to_department,reason,actor_id,occurred_at,snapshot_json
FROM movement_events WHERE instance_id IN (`+placeholders+`) ORDER BY occurred_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MovementEvent
	for rows.Next() {
		var ev domain.MovementEvent
		var reason, snapshotJSON sql.NullString
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Kind, &ev.FromDepartment, &ev.ToDepartment, &reason, &ev.ActorID, &ev.OccurredAt, &snapshotJSON); err != nil {
			return nil, err
		}
		ev.Reason = reason.String
		if snapshotJSON.Valid && snapshotJSON.String != "" {
			var snap domain.Snapshot
			if err := json.Unmarshal([]byte(snapshotJSON.String), &snap); err != nil {
				return nil, fmt.Errorf("decode snapshot of event %d: %w", ev.ID, err)
			}
			ev.Snapshot = &snap
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
