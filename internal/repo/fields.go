package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"caseflow/internal/domain"
)

func (r Repo) CreateField(ctx context.Context, f domain.DepartmentField) (domain.DepartmentField, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DepartmentField{}, err
	}
	defer tx.Rollback()
	created, err := r.CreateFieldTx(ctx, tx, f)
	if err != nil {
		return domain.DepartmentField{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DepartmentField{}, err
	}
	return created, nil
}

func (r Repo) CreateFieldTx(ctx context.Context, tx *sql.Tx, f domain.DepartmentField) (domain.DepartmentField, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO department_fields(id,department,key,label,value_kind,created_at) VALUES (?,?,?,?,?,?)`,
		f.ID, f.Department, f.Key, f.Label, f.ValueKind, f.CreatedAt)
	if err != nil {
		return domain.DepartmentField{}, err
	}
	return f, nil
}

func (r Repo) GetField(ctx context.Context, department, key string) (domain.DepartmentField, error) {
	var f domain.DepartmentField
	err := r.DB.QueryRowContext(ctx, `SELECT id,department,key,label,value_kind,created_at FROM department_fields WHERE department=? AND key=?`, department, key).
		Scan(&f.ID, &f.Department, &f.Key, &f.Label, &f.ValueKind, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) ListFields(ctx context.Context, department string) ([]domain.DepartmentField, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,department,key,label,value_kind,created_at FROM department_fields WHERE department=? ORDER BY key ASC`, department)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DepartmentField
	for rows.Next() {
		var f domain.DepartmentField
		if err := rows.Scan(&f.ID, &f.Department, &f.Key, &f.Label, &f.ValueKind, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// DeleteField removes a definition and purges its key from every instance's
// attribute bag in the same transaction.
func (r Repo) DeleteField(ctx context.Context, department, key string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM department_fields WHERE department=? AND key=?`, department, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := purgeAttributeKey(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit()
}

func purgeAttributeKey(ctx context.Context, tx *sql.Tx, key string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, attributes_json FROM process_instances WHERE attributes_json LIKE ?`, `%"`+key+`"%`)
	if err != nil {
		return err
	}
	type bag struct {
		id    string
		attrs map[string]domain.FieldValue
	}
	var dirty []bag
	for rows.Next() {
		var id, attrsJSON string
		if err := rows.Scan(&id, &attrsJSON); err != nil {
			rows.Close()
			return err
		}
		var attrs map[string]domain.FieldValue
		if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
			rows.Close()
			return err
		}
		if _, ok := attrs[key]; !ok {
			continue
		}
		delete(attrs, key)
		dirty = append(dirty, bag{id: id, attrs: attrs})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, b := range dirty {
		encoded, err := marshalAttributes(b.attrs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE process_instances SET attributes_json=? WHERE id=?`, encoded, b.id); err != nil {
			return err
		}
	}
	return nil
}
