package domain

import "time"

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueRunning QueueStatus = "running"
	QueueDone    QueueStatus = "done"
	QueueFailed  QueueStatus = "failed"
)

// QueueTask is a task reference placed on the durable queue. The action is re-resolved
// when a worker picks it up.
type QueueTask struct {
	ID          string      `json:"id"`
	Queue       string      `json:"queue"`
	Kind        Mode        `json:"kind"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Options     Options     `json:"options"`
	// Derived asks the worker to publish follow-up tasks for derived products.
	Derived     bool        `json:"derived"`
	Priority    int         `json:"priority"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	LockedBy    string      `json:"locked_by,omitempty"`
	LockedUntil *time.Time  `json:"locked_until,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Lease is a time-bounded exclusive claim on a key.
type Lease struct {
	Key        string `json:"key"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

// Event is one row of processing history.
type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	FingerprintKey string `json:"fingerprint_key,omitempty"`
	Site           string `json:"site,omitempty"`
	Date           string `json:"date,omitempty"`
	Product        string `json:"product,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
}
