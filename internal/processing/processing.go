package processing

import (
	"context"
	"errors"
	"fmt"

	"cloudnetproc/internal/domain"
)

// Request is what a collaborator needs to produce one artifact.
type Request struct {
	Fingerprint domain.Fingerprint  `json:"fingerprint"`
	Action      domain.Action       `json:"action"`
	RawFiles    []domain.RawFile    `json:"raw_files,omitempty"`
	Upstream    []domain.FileRecord `json:"upstream,omitempty"`
	Prior       *domain.FileRecord  `json:"prior,omitempty"`
	WorkDir     string              `json:"work_dir"`
}

// Result describes the produced artifact. Checksum and Size may be left empty and are
// then computed from Path.
type Result struct {
	Path     string            `json:"path"`
	Filename string            `json:"filename"`
	Checksum string            `json:"checksum,omitempty"`
	Size     int64             `json:"size,omitempty"`
	Software map[string]string `json:"software,omitempty"`
}

// Collaborator runs the scientific processing for a fingerprint.
type Collaborator interface {
	Process(ctx context.Context, req Request) (Result, error)
}

// JobRequest runs an auxiliary job (plot, qc, housekeeping) against an existing record.
type JobRequest struct {
	Job         domain.Mode        `json:"job"`
	Fingerprint domain.Fingerprint `json:"fingerprint"`
	Record      domain.FileRecord  `json:"record"`
	WorkDir     string             `json:"work_dir"`
}

type JobRunner interface {
	RunJob(ctx context.Context, req JobRequest) error
}

// Func adapts a function to Collaborator.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Process(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// JobFunc adapts a function to JobRunner.
type JobFunc func(ctx context.Context, req JobRequest) error

func (f JobFunc) RunJob(ctx context.Context, req JobRequest) error { return f(ctx, req) }

type Kind string

const (
	KindRetryable Kind = "retryable"
	KindFatal     Kind = "fatal"
)

// Error is the structured failure a collaborator reports.
type Error struct {
	Kind Kind   `json:"kind"`
	Msg  string `json:"message"`
	Err  error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s processing error: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s processing error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Retryable(msg string, err error) *Error { return &Error{Kind: KindRetryable, Msg: msg, Err: err} }

func Fatal(msg string, err error) *Error { return &Error{Kind: KindFatal, Msg: msg, Err: err} }

// KindOf extracts the collaborator-declared kind; ok is false for unstructured errors.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}
