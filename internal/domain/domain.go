package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fingerprint identifies one processable unit. Version is not part of identity.
type Fingerprint struct {
	Site          string `json:"site"`
	Date          Date   `json:"date"`
	Product       string `json:"product"`
	ModelID       string `json:"model_id,omitempty"`
	InstrumentPID string `json:"instrument_pid,omitempty"`
}

func (f Fingerprint) String() string {
	parts := []string{f.Site, f.Date.String(), f.Product}
	if f.ModelID != "" {
		parts = append(parts, "model="+f.ModelID)
	}
	if f.InstrumentPID != "" {
		parts = append(parts, "instrument="+f.InstrumentPID)
	}
	return strings.Join(parts, "/")
}

// Key is a stable identifier derived from the fingerprint, used for locks and queue rows.
func (f Fingerprint) Key() string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(f.String())).String()
}

func (f Fingerprint) Validate() error {
	if f.Site == "" {
		return ConfigErrorf("fingerprint site is required")
	}
	if f.Product == "" {
		return ConfigErrorf("fingerprint product is required")
	}
	if f.Date.IsZero() {
		return ConfigErrorf("fingerprint date is required")
	}
	return nil
}

type FileState string

const (
	FileVolatile FileState = "volatile"
	FileStable   FileState = "stable"
)

// FileRecord mirrors the metadata store's view of one output file.
// Version 0 is the volatile slot; stable versions start at 1.
type FileRecord struct {
	UUID         string            `json:"uuid"`
	Fingerprint  Fingerprint       `json:"fingerprint"`
	Version      int               `json:"version"`
	State        FileState         `json:"state" enum:"volatile,stable"`
	Legacy       bool              `json:"legacy"`
	Checksum     string            `json:"checksum"`
	Size         int64             `json:"size"`
	Filename     string            `json:"filename"`
	StorageKey   string            `json:"storage_key"`
	Software     map[string]string `json:"software,omitempty"`
	SourceUUIDs  []string          `json:"source_uuids,omitempty"`
	PID          string            `json:"pid,omitempty"`
	PreviousUUID string            `json:"previous_uuid,omitempty"`
	Revision     int64             `json:"revision"`
	CreatedAt    time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time         `json:"updated_at" format:"date-time"`
}

func (r FileRecord) IsVolatile() bool { return r.State == FileVolatile }

func (r FileRecord) Ref() *RecordRef {
	return &RecordRef{
		UUID:     r.UUID,
		Version:  r.Version,
		Revision: r.Revision,
		State:    r.State,
		Legacy:   r.Legacy,
	}
}

// RawFile is an instrument or model submission the processing consumes.
type RawFile struct {
	UUID          string    `json:"uuid"`
	Site          string    `json:"site"`
	Date          Date      `json:"date"`
	Instrument    string    `json:"instrument,omitempty"`
	InstrumentPID string    `json:"instrument_pid,omitempty"`
	Model         string    `json:"model,omitempty"`
	Filename      string    `json:"filename"`
	Checksum      string    `json:"checksum"`
	Size          int64     `json:"size"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at" format:"date-time"`
}

// Manifest describes a produced artifact being written to the metadata store.
type Manifest struct {
	Filename     string            `json:"filename"`
	StorageKey   string            `json:"storage_key"`
	Checksum     string            `json:"checksum"`
	Size         int64             `json:"size"`
	Software     map[string]string `json:"software,omitempty"`
	SourceUUIDs  []string          `json:"source_uuids,omitempty"`
	PreviousUUID string            `json:"previous_uuid,omitempty"`
	// ExpectedRevision guards volatile updates and freezes; 0 means the slot must be empty.
	ExpectedRevision int64 `json:"expected_revision"`
	// ExpectedVersion is the current highest stable version for new stable versions.
	ExpectedVersion int `json:"expected_version"`
}

// FileFilter selects file records from the store.
type FileFilter struct {
	Site          string
	Start         Date
	Stop          Date
	Products      []string
	InstrumentPID string
	ModelID       string
	State         FileState
	UpdatedBefore time.Time
}

// RawFilter selects raw submissions from the store.
type RawFilter struct {
	Site          string
	Start         Date
	Stop          Date
	Instruments   []string
	InstrumentPID string
	Model         string
	UpdatedSince  time.Time
}

// ConfigError is a fatal pre-flight error: unknown product, bad date range, bad site.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string { return e.Msg }

func (e *ConfigError) Unwrap() error { return e.Err }

func ConfigErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// WrapConfig marks err as a configuration error while keeping it matchable with errors.Is.
func WrapConfig(err error, format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
