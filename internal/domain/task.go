package domain

import (
	"fmt"
	"time"
)

type Action string

const (
	ActionSkip                Action = "skip"
	ActionCreateVolatile      Action = "create_volatile"
	ActionReprocessVolatile   Action = "reprocess_volatile"
	ActionCreateStableVersion Action = "create_stable_version"
	ActionFreeze              Action = "freeze"
	// ActionRunJob drives the plot, qc and housekeeping jobs which never mutate records.
	ActionRunJob Action = "run_job"
)

// Mutates reports whether the action writes a file record.
func (a Action) Mutates() bool {
	switch a {
	case ActionCreateVolatile, ActionReprocessVolatile, ActionCreateStableVersion, ActionFreeze:
		return true
	}
	return false
}

type Reason string

const (
	ReasonNone            Reason = ""
	ReasonAbsent          Reason = "absent"
	ReasonNoChange        Reason = "no_change"
	ReasonNewRawData      Reason = "new_raw_data"
	ReasonForced          Reason = "forced"
	ReasonUpstreamMissing Reason = "upstream_missing"
	ReasonRawMissing      Reason = "raw_missing"
	ReasonStableImmutable Reason = "stable_immutable"
	ReasonLegacyImmutable Reason = "legacy_immutable"
	ReasonVersionBump     Reason = "version_bump"
	ReasonAlreadyFrozen   Reason = "already_frozen"
	ReasonNotFound        Reason = "not_found"
	ReasonNotDue          Reason = "not_due"
	ReasonFreezeDue       Reason = "freeze_due"
	ReasonStaleTask       Reason = "stale_task"
	ReasonInProgress      Reason = "in_progress"
	ReasonTooOld          Reason = "too_old"
	ReasonUnsupported     Reason = "unsupported"
	ReasonJob             Reason = "job"
)

// Mode is the CLI mode a task was resolved for.
type Mode string

const (
	ModeProcess      Mode = "process"
	ModeFreeze       Mode = "freeze"
	ModePlot         Mode = "plot"
	ModeQC           Mode = "qc"
	ModeHousekeeping Mode = "housekeeping"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProcess, ModeFreeze, ModePlot, ModeQC, ModeHousekeeping:
		return Mode(s), nil
	}
	return "", ConfigErrorf("unknown mode %q", s)
}

// Options carries the caller's override flags.
type Options struct {
	Reprocess         bool `json:"reprocess,omitempty"`
	ReprocessVolatile bool `json:"reprocess_volatile,omitempty"`
	NewVersion        bool `json:"new_version,omitempty"`
	Force             bool `json:"force,omitempty"`
}

// RecordRef pins the record state a task was classified against.
type RecordRef struct {
	UUID     string    `json:"uuid"`
	Version  int       `json:"version"`
	Revision int64     `json:"revision"`
	State    FileState `json:"state"`
	Legacy   bool      `json:"legacy,omitempty"`
}

// Task is a transient unit of work: a fingerprint classified into an action.
type Task struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Mode        Mode        `json:"mode"`
	Action      Action      `json:"action"`
	Reason      Reason      `json:"reason,omitempty"`
	// Expected is the volatile record (or the current stable one when no volatile exists).
	Expected *RecordRef `json:"expected,omitempty"`
	// ExpectedStable is the highest stable version at classification time.
	ExpectedStable *RecordRef `json:"expected_stable,omitempty"`
	Options        Options    `json:"options"`
	// LatestInput is the newest raw or upstream timestamp seen at classification time.
	LatestInput *time.Time `json:"latest_input,omitempty"`
}

func (t Task) String() string {
	return fmt.Sprintf("%s %s(%s)", t.Fingerprint, t.Action, t.Reason)
}

type OutcomeStatus string

const (
	StatusProcessed OutcomeStatus = "processed"
	StatusSkipped   OutcomeStatus = "skipped"
	StatusFailed    OutcomeStatus = "failed"
)

type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureRetryable FailureKind = "retryable"
	FailureFatal     FailureKind = "fatal"
)

// Outcome is the result of executing one task.
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Reason  Reason        `json:"reason,omitempty"`
	Failure FailureKind   `json:"failure,omitempty"`
	Error   string        `json:"error,omitempty"`
	Record  *FileRecord   `json:"record,omitempty"`
	Summary string        `json:"summary,omitempty"`
}

func Processed(rec *FileRecord, summary string) Outcome {
	return Outcome{Status: StatusProcessed, Record: rec, Summary: summary}
}

func Skipped(reason Reason) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

func Failed(kind FailureKind, err error) Outcome {
	o := Outcome{Status: StatusFailed, Failure: kind}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

func (o Outcome) IsFatal() bool     { return o.Status == StatusFailed && o.Failure == FailureFatal }
func (o Outcome) IsRetryable() bool { return o.Status == StatusFailed && o.Failure == FailureRetryable }
