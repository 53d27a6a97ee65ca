package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"caseflow/internal/domain"
)

// Writer appends movement events to the ledger. The ledger is append-only;
// there is deliberately no update or delete here.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one movement event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, ev domain.MovementEvent) error {
	if ev.OccurredAt == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		ev.OccurredAt = now().UTC().Format(time.RFC3339)
	}
	var snapshotJSON any
	if ev.Snapshot != nil {
		data, err := json.Marshal(ev.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		snapshotJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO movement_events(instance_id,kind,from_department,to_department,reason,actor_id,occurred_at,snapshot_json)
VALUES (?,?,?,?,?,?,?,?)`,
		ev.InstanceID, ev.Kind, ev.FromDepartment, ev.ToDepartment, nullable(ev.Reason), ev.ActorID, ev.OccurredAt, snapshotJSON)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
