package server

import (
	"time"

	"cloudnetproc/internal/domain"
)

// Request payloads

type PublishRequest struct {
	Site          string         `json:"site" minLength:"1"`
	Date          string         `json:"date" example:"2024-01-01"`
	Product       string         `json:"product" minLength:"1"`
	InstrumentPID string         `json:"instrument_pid,omitempty"`
	ModelID       string         `json:"model_id,omitempty"`
	Kind          string         `json:"kind,omitempty" enum:"process,freeze,plot,qc,housekeeping"`
	Queue         string         `json:"queue,omitempty"`
	Priority      int            `json:"priority,omitempty" minimum:"0"`
	Derived       bool           `json:"derived,omitempty"`
	Options       domain.Options `json:"options,omitempty"`
	// ScheduledAt defers the entry; empty means due now.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (r PublishRequest) fingerprint() (domain.Fingerprint, error) {
	date, err := domain.ParseDate(r.Date)
	if err != nil {
		return domain.Fingerprint{}, domain.ConfigErrorf("invalid date: %s", r.Date)
	}
	return domain.Fingerprint{
		Site:          r.Site,
		Date:          date,
		Product:       r.Product,
		InstrumentPID: r.InstrumentPID,
		ModelID:       r.ModelID,
	}, nil
}

// Response payloads

type FingerprintResponse struct {
	Site          string `json:"site"`
	Date          string `json:"date"`
	Product       string `json:"product"`
	InstrumentPID string `json:"instrument_pid,omitempty"`
	ModelID       string `json:"model_id,omitempty"`
}

type QueueTaskResponse struct {
	ID          string              `json:"id"`
	Queue       string              `json:"queue"`
	Kind        string              `json:"kind"`
	Fingerprint FingerprintResponse `json:"fingerprint"`
	Options     domain.Options      `json:"options"`
	Derived     bool                `json:"derived"`
	Priority    int                 `json:"priority"`
	Status      string              `json:"status"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	LastError   string              `json:"last_error,omitempty"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	LockedBy    string              `json:"locked_by,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type EventResponse struct {
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

type paginatedQueueTasks struct {
	Items []QueueTaskResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func toFingerprintResponse(fp domain.Fingerprint) FingerprintResponse {
	return FingerprintResponse{
		Site:          fp.Site,
		Date:          fp.Date.String(),
		Product:       fp.Product,
		InstrumentPID: fp.InstrumentPID,
		ModelID:       fp.ModelID,
	}
}

func toQueueTaskResponse(t domain.QueueTask) QueueTaskResponse {
	return QueueTaskResponse{
		ID:          t.ID,
		Queue:       t.Queue,
		Kind:        string(t.Kind),
		Fingerprint: toFingerprintResponse(t.Fingerprint),
		Options:     t.Options,
		Derived:     t.Derived,
		Priority:    t.Priority,
		Status:      string(t.Status),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		LastError:   t.LastError,
		ScheduledAt: t.ScheduledAt,
		LockedBy:    t.LockedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toEventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:             e.ID,
		TS:             e.TS,
		Type:           e.Type,
		FingerprintKey: e.FingerprintKey,
		Site:           e.Site,
		Date:           e.Date,
		Product:        e.Product,
		ActorID:        e.ActorID,
		Payload:        e.Payload,
	}
}
