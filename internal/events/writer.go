// Package events appends the audit diary. Every mutation writes exactly one
// row, inside the same transaction as the mutation itself, so the diary never
// shows a change that was rolled back.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the engine.
const (
	TypeProjectInit        = "project.init"
	TypeIssueCreated       = "issue.created"
	TypeIssueUpdated       = "issue.updated"
	TypeIssueDeleted       = "issue.deleted"
	TypeIssueStateChanged  = "issue.state.changed"
	TypeParentSet          = "issue.parent.set"
	TypeParentRemoved      = "issue.parent.removed"
	TypePredecessorSet     = "issue.predecessor.set"
	TypePredecessorRemoved = "issue.predecessor.removed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload carries the event-type specific details, stored as JSON.
type EventPayload map[string]any

// Append records one event within the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, orNull(projectID), entityKind, orNull(entityID), actorID, string(data))
	return err
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
