package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cloudnetproc/internal/domain"
)

const queueColumns = `id,queue,kind,site,date,product,model_id,instrument_pid,options_json,derived,priority,status,attempts,max_attempts,last_error,scheduled_at,locked_by,locked_until,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueTask(row rowScanner) (domain.QueueTask, error) {
	var t domain.QueueTask
	var kind, date, options, status, scheduled, created, updated string
	var lastErr, lockedBy, lockedUntil sql.NullString
	var derived int
	err := row.Scan(&t.ID, &t.Queue, &kind, &t.Fingerprint.Site, &date, &t.Fingerprint.Product,
		&t.Fingerprint.ModelID, &t.Fingerprint.InstrumentPID, &options, &derived, &t.Priority, &status,
		&t.Attempts, &t.MaxAttempts, &lastErr, &scheduled, &lockedBy, &lockedUntil, &created, &updated)
	if err != nil {
		return t, err
	}
	t.Kind = domain.Mode(kind)
	t.Status = domain.QueueStatus(status)
	t.Derived = derived != 0
	if t.Fingerprint.Date, err = domain.ParseDate(date); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(options), &t.Options); err != nil {
		return t, fmt.Errorf("decode options of %s: %w", t.ID, err)
	}
	t.LastError = lastErr.String
	t.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		lu := parseTS(lockedUntil.String)
		t.LockedUntil = &lu
	}
	t.ScheduledAt = parseTS(scheduled)
	t.CreatedAt = parseTS(created)
	t.UpdatedAt = parseTS(updated)
	return t, nil
}

// Publish enqueues a task. A pending task for the same queue, kind and fingerprint is
// reused; its schedule moves to the earlier of both and its priority to the more urgent.
func (r Repo) Publish(ctx context.Context, t domain.QueueTask, now time.Time) (domain.QueueTask, error) {
	if err := t.Fingerprint.Validate(); err != nil {
		return t, err
	}
	if t.Queue == "" {
		t.Queue = "default"
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return t, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	fp := t.Fingerprint
	existing, err := scanQueueTask(tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_tasks
WHERE queue=? AND kind=? AND site=? AND date=? AND product=? AND model_id=? AND instrument_pid=? AND status='pending' LIMIT 1`,
		t.Queue, string(t.Kind), fp.Site, fp.Date.String(), fp.Product, fp.ModelID, fp.InstrumentPID))
	switch {
	case err == nil:
		if t.ScheduledAt.Before(existing.ScheduledAt) {
			existing.ScheduledAt = t.ScheduledAt
		}
		existing.Priority = min(existing.Priority, t.Priority)
		existing.Derived = existing.Derived || t.Derived
		existing.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `UPDATE queue_tasks SET scheduled_at=?, priority=?, derived=?, updated_at=? WHERE id=?`,
			formatTS(existing.ScheduledAt), existing.Priority, boolInt(existing.Derived), formatTS(now), existing.ID); err != nil {
			return t, err
		}
		return existing, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return t, err
	}

	t.ID = uuid.NewString()
	t.Status = domain.QueuePending
	t.Attempts = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `INSERT INTO queue_tasks(`+queueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Queue, string(t.Kind), fp.Site, fp.Date.String(), fp.Product, fp.ModelID, fp.InstrumentPID, string(opts),
		boolInt(t.Derived), t.Priority, string(t.Status), t.Attempts, t.MaxAttempts, nil, formatTS(t.ScheduledAt),
		nil, nil, formatTS(now), formatTS(now)); err != nil {
		return t, fmt.Errorf("insert queue task: %w", err)
	}
	return t, tx.Commit()
}

// Receive claims the most urgent due task of a queue for owner. Running tasks whose
// visibility timeout passed are handed out again.
func (r Repo) Receive(ctx context.Context, queue, owner string, visibility time.Duration, now time.Time) (domain.QueueTask, error) {
	nowTS := formatTS(now)
	for range 5 {
		var id string
		err := r.DB.QueryRowContext(ctx, `SELECT id FROM queue_tasks
WHERE queue=? AND ((status='pending' AND scheduled_at<=?) OR (status='running' AND locked_until<=?))
ORDER BY priority ASC, scheduled_at ASC, created_at ASC, id ASC LIMIT 1`, queue, nowTS, nowTS).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QueueTask{}, ErrNotFound
		}
		if err != nil {
			return domain.QueueTask{}, err
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE queue_tasks SET status='running', attempts=attempts+1, locked_by=?, locked_until=?, updated_at=?
WHERE id=? AND ((status='pending' AND scheduled_at<=?) OR (status='running' AND locked_until<=?))`,
			owner, formatTS(now.Add(visibility)), nowTS, id, nowTS, nowTS)
		if err != nil {
			return domain.QueueTask{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.GetQueueTask(ctx, id)
		}
		// Another worker claimed it first.
	}
	return domain.QueueTask{}, ErrNotFound
}

func (r Repo) GetQueueTask(ctx context.Context, id string) (domain.QueueTask, error) {
	t, err := scanQueueTask(r.DB.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// Complete acknowledges a claimed task.
func (r Repo) Complete(ctx context.Context, id, owner string, now time.Time) error {
	return r.finish(ctx, `UPDATE queue_tasks SET status='done', locked_by=NULL, locked_until=NULL, updated_at=? WHERE id=? AND status='running' AND locked_by=?`,
		formatTS(now), id, owner)
}

// Retry returns a claimed task to pending, due at next.
func (r Repo) Retry(ctx context.Context, id, owner string, next time.Time, reason string, now time.Time) error {
	return r.finish(ctx, `UPDATE queue_tasks SET status='pending', scheduled_at=?, last_error=?, locked_by=NULL, locked_until=NULL, updated_at=? WHERE id=? AND status='running' AND locked_by=?`,
		formatTS(next), nullable(reason), formatTS(now), id, owner)
}

// Fail marks a claimed task as permanently failed.
func (r Repo) Fail(ctx context.Context, id, owner, reason string, now time.Time) error {
	return r.finish(ctx, `UPDATE queue_tasks SET status='failed', last_error=?, locked_by=NULL, locked_until=NULL, updated_at=? WHERE id=? AND status='running' AND locked_by=?`,
		nullable(reason), formatTS(now), id, owner)
}

func (r Repo) finish(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

type QueueFilter struct {
	Queue  string
	Status domain.QueueStatus
	Limit  int
}

func (r Repo) ListQueueTasks(ctx context.Context, f QueueFilter) ([]domain.QueueTask, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Queue != "" {
		clauses = append(clauses, "queue=?")
		args = append(args, f.Queue)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue_tasks WHERE `+strings.Join(clauses, " AND ")+
		` ORDER BY priority ASC, scheduled_at ASC, created_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.QueueTask
	for rows.Next() {
		t, err := scanQueueTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountQueueTasks returns task counts per status for a queue (all queues when empty).
func (r Repo) CountQueueTasks(ctx context.Context, queue string) (map[domain.QueueStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM queue_tasks`
	var args []any
	if queue != "" {
		query += ` WHERE queue=?`
		args = append(args, queue)
	}
	rows, err := r.DB.QueryContext(ctx, query+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.QueueStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.QueueStatus(status)] = n
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
