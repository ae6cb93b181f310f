package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the workflow engine.
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status.changed"
	ApprovalGranted   = "approval.granted"
	StageAssigned     = "stage.assigned"
	StageAdvanced     = "stage.advanced"
	StageOverridden   = "stage.overridden"
	StageCreated      = "stage.created"
	StageUpdated      = "stage.updated"
	StageDeleted      = "stage.deleted"
	UserRegistered    = "user.registered"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside the caller's transaction so the
// event commits or rolls back together with the state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", evtType, err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
