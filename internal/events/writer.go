package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cloudnetproc/internal/domain"
)

const (
	TypeTaskExecuted  = "task.executed"
	TypeTaskEscalated = "task.escalated"
	TypeQueuePublish  = "queue.published"
	TypeQueueFailed   = "queue.failed"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB      *sql.DB
	ActorID string
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes an event row for fp through ex, or through the writer's DB when ex is nil.
func (w Writer) Append(ctx context.Context, ex Execer, evtType string, fp domain.Fingerprint, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		if w.DB == nil {
			return nil
		}
		ex = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := w.ActorID
	if actor == "" {
		actor = "cnp"
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,fingerprint_key,site,date,product,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(fp.Key()), nullable(fp.Site), nullable(fp.Date.String()), nullable(fp.Product), actor, string(data))
	return err
}

// Outcome appends the execution outcome of a task.
func (w Writer) Outcome(ctx context.Context, t domain.Task, o domain.Outcome, attempts int) error {
	payload := EventPayload{
		"fingerprint": t.Fingerprint.String(),
		"mode":        t.Mode,
		"action":      t.Action,
		"status":      o.Status,
		"attempts":    attempts,
	}
	if o.Reason != "" {
		payload["reason"] = o.Reason
	}
	if o.Failure != "" {
		payload["failure"] = o.Failure
		payload["error"] = o.Error
	}
	if o.Record != nil {
		payload["uuid"] = o.Record.UUID
		payload["version"] = o.Record.Version
		payload["checksum"] = o.Record.Checksum
	}
	return w.Append(ctx, nil, TypeTaskExecuted, t.Fingerprint, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
