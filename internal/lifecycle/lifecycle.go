package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"cloudnetproc/internal/domain"
)

// ErrStale is returned when a task's precondition no longer holds.
var ErrStale = errors.New("stale task")

type State string

const (
	StateAbsent   State = "absent"
	StateVolatile State = "volatile"
	StateStable   State = "stable"
	StateLegacy   State = "legacy"
)

// Snapshot is the metadata view of one fingerprint at a point in time.
type Snapshot struct {
	Volatile *domain.FileRecord
	// Stable is the highest stable version, the current one.
	Stable *domain.FileRecord
}

// NewSnapshot reduces all records of a fingerprint into its volatile slot and current stable version.
func NewSnapshot(records []domain.FileRecord) Snapshot {
	var s Snapshot
	for i := range records {
		rec := records[i]
		switch rec.State {
		case domain.FileVolatile:
			s.Volatile = &rec
		case domain.FileStable:
			if s.Stable == nil || rec.Version > s.Stable.Version {
				s.Stable = &rec
			}
		}
	}
	return s
}

func (s Snapshot) State() State {
	switch {
	case s.Volatile != nil:
		return StateVolatile
	case s.Stable != nil && s.Stable.Legacy:
		return StateLegacy
	case s.Stable != nil:
		return StateStable
	}
	return StateAbsent
}

// Current is the record plot and qc jobs operate on.
func (s Snapshot) Current() *domain.FileRecord {
	if s.Volatile != nil {
		return s.Volatile
	}
	return s.Stable
}

// Ready reports whether the fingerprint has any non-absent record.
func (s Snapshot) Ready() bool { return s.Current() != nil }

// LegalActions lists the actions that may be applied in a state.
func LegalActions(st State) []domain.Action {
	switch st {
	case StateAbsent:
		return []domain.Action{domain.ActionCreateVolatile}
	case StateVolatile:
		return []domain.Action{domain.ActionReprocessVolatile, domain.ActionFreeze, domain.ActionSkip}
	case StateStable, StateLegacy:
		return []domain.Action{domain.ActionSkip, domain.ActionCreateStableVersion}
	}
	return nil
}

// EnsureTransition rejects actions that are not legal in a state. A legacy record only
// accepts a new version when forced.
func EnsureTransition(st State, action domain.Action, force bool) error {
	if action == domain.ActionSkip || action == domain.ActionRunJob {
		return nil
	}
	if st == StateLegacy && action == domain.ActionCreateStableVersion && !force {
		return fmt.Errorf("legacy record requires force for %s", action)
	}
	if slices.Contains(LegalActions(st), action) {
		return nil
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", st, action)
}

// Input carries everything besides the snapshot that a decision depends on.
type Input struct {
	Mode    domain.Mode
	Options domain.Options
	// LatestInput is the newest raw or upstream timestamp; nil when unknown.
	LatestInput *time.Time
	FreezeDue   bool
	// AllowNewVersion is the product's versioning policy.
	AllowNewVersion bool
}

// Decide maps a snapshot and input to the action to take.
func Decide(s Snapshot, in Input) (domain.Action, domain.Reason) {
	switch in.Mode {
	case domain.ModeFreeze:
		return decideFreeze(s, in)
	case domain.ModePlot, domain.ModeQC, domain.ModeHousekeeping:
		if !s.Ready() {
			return domain.ActionSkip, domain.ReasonNotFound
		}
		return domain.ActionRunJob, domain.ReasonJob
	}
	return decideProcess(s, in)
}

func decideProcess(s Snapshot, in Input) (domain.Action, domain.Reason) {
	opts := in.Options
	switch s.State() {
	case StateAbsent:
		return domain.ActionCreateVolatile, domain.ReasonAbsent
	case StateVolatile:
		if opts.Reprocess || opts.ReprocessVolatile || opts.Force {
			return domain.ActionReprocessVolatile, domain.ReasonForced
		}
		// Inputs not strictly newer than the last processing never trigger a rerun.
		if in.LatestInput != nil && in.LatestInput.After(s.Volatile.UpdatedAt) {
			return domain.ActionReprocessVolatile, domain.ReasonNewRawData
		}
		return domain.ActionSkip, domain.ReasonNoChange
	case StateLegacy:
		if opts.NewVersion && opts.Force && in.AllowNewVersion {
			return domain.ActionCreateStableVersion, domain.ReasonVersionBump
		}
		return domain.ActionSkip, domain.ReasonLegacyImmutable
	case StateStable:
		if opts.NewVersion && in.AllowNewVersion {
			return domain.ActionCreateStableVersion, domain.ReasonVersionBump
		}
	}
	return domain.ActionSkip, domain.ReasonStableImmutable
}

func decideFreeze(s Snapshot, in Input) (domain.Action, domain.Reason) {
	switch s.State() {
	case StateAbsent:
		return domain.ActionSkip, domain.ReasonNotFound
	case StateVolatile:
		if in.Options.Force {
			return domain.ActionFreeze, domain.ReasonForced
		}
		if in.FreezeDue {
			return domain.ActionFreeze, domain.ReasonFreezeDue
		}
		return domain.ActionSkip, domain.ReasonNotDue
	}
	return domain.ActionSkip, domain.ReasonAlreadyFrozen
}

// FreezeDue reports whether a volatile record has been untouched for afterDays.
func FreezeDue(rec *domain.FileRecord, afterDays int, now time.Time) bool {
	if rec == nil || !rec.IsVolatile() {
		return false
	}
	return !now.Before(rec.UpdatedAt.Add(time.Duration(afterDays) * 24 * time.Hour))
}

// Expectation builds the record references a task pins for its precondition.
func Expectation(s Snapshot) (expected, expectedStable *domain.RecordRef) {
	if cur := s.Current(); cur != nil {
		expected = cur.Ref()
	}
	if s.Stable != nil {
		expectedStable = s.Stable.Ref()
	}
	return expected, expectedStable
}

// CheckPrecondition verifies that a fresh snapshot still matches what the task was
// classified against. It returns an error wrapping ErrStale otherwise.
func CheckPrecondition(t domain.Task, s Snapshot) error {
	switch t.Action {
	case domain.ActionSkip:
		return nil
	case domain.ActionCreateVolatile:
		if s.State() != StateAbsent {
			return staleErr(t, "record already exists")
		}
	case domain.ActionReprocessVolatile, domain.ActionFreeze:
		if s.Volatile == nil {
			return staleErr(t, "no volatile record")
		}
		if !sameRecord(t.Expected, s.Volatile, true) {
			return staleErr(t, "volatile record changed")
		}
	case domain.ActionCreateStableVersion:
		if s.Volatile != nil {
			return staleErr(t, "volatile record exists")
		}
		if s.Stable == nil || !sameRecord(t.ExpectedStable, s.Stable, false) {
			return staleErr(t, "stable version changed")
		}
	case domain.ActionRunJob:
		if !sameRecord(t.Expected, s.Current(), false) {
			return staleErr(t, "record changed")
		}
	default:
		return fmt.Errorf("unknown action %q", t.Action)
	}
	return EnsureTransition(s.State(), t.Action, t.Options.Force)
}

func sameRecord(ref *domain.RecordRef, rec *domain.FileRecord, checkRevision bool) bool {
	if ref == nil || rec == nil {
		return false
	}
	if ref.UUID != rec.UUID || ref.Version != rec.Version {
		return false
	}
	return !checkRevision || ref.Revision == rec.Revision
}

func staleErr(t domain.Task, msg string) error {
	return fmt.Errorf("%w: %s %s: %s", ErrStale, t.Fingerprint, t.Action, msg)
}
