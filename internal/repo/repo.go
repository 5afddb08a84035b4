package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloudnetproc/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound   = errors.New("not found")
	ErrLeaseHeld  = errors.New("lease already held")
	ErrNotClaimed = errors.New("queue task not claimed by owner")
)

// tsLayout is fixed width so timestamps compare lexicographically in SQL.
const tsLayout = "2006-01-02T15:04:05.000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ClaimLease takes or renews the lease on key. An unexpired lease of another owner
// yields ErrLeaseHeld.
func (r Repo) ClaimLease(ctx context.Context, key, ownerID string, ttl time.Duration, now time.Time) (domain.Lease, error) {
	l := domain.Lease{
		Key:        key,
		OwnerID:    ownerID,
		AcquiredAt: formatTS(now),
		ExpiresAt:  formatTS(now.Add(ttl)),
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO leases(key,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE leases.expires_at <= excluded.acquired_at OR leases.owner_id = excluded.owner_id`,
		l.Key, l.OwnerID, l.AcquiredAt, l.ExpiresAt)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("claim lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Lease{}, err
	}
	if n == 0 {
		return domain.Lease{}, ErrLeaseHeld
	}
	return l, nil
}

// ReleaseLease deletes the lease if ownerID still holds it.
func (r Repo) ReleaseLease(ctx context.Context, key, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM leases WHERE key=? AND owner_id=?`, key, ownerID)
	return err
}

func (r Repo) GetLease(ctx context.Context, key string) (domain.Lease, error) {
	var l domain.Lease
	err := r.DB.QueryRowContext(ctx, `SELECT key,owner_id,acquired_at,expires_at FROM leases WHERE key=?`, key).
		Scan(&l.Key, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

type EventFilter struct {
	Type           string
	FingerprintKey string
	Site           string
	Product        string
	Cursor         int64
	Limit          int
}

// LatestEvents returns events newest first; Cursor pages to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("type", f.Type)
	add("fingerprint_key", f.FingerprintKey)
	add("site", f.Site)
	add("product", f.Product)
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,fingerprint_key,site,date,product,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var key, site, date, product, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &key, &site, &date, &product, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.FingerprintKey, e.Site, e.Date, e.Product, e.Payload = key.String, site.String, date.String, product.String, payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
