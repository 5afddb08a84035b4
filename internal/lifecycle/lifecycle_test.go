package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/lifecycle"
)

var (
	t0 = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	fp = domain.Fingerprint{Site: "a", Date: domain.NewDate(2024, 1, 1), Product: "radar"}
)

func volatile() *domain.FileRecord {
	return &domain.FileRecord{UUID: "v", Fingerprint: fp, State: domain.FileVolatile, Revision: 1, UpdatedAt: t0}
}

func stable(version int, legacy bool) *domain.FileRecord {
	return &domain.FileRecord{UUID: "s", Fingerprint: fp, State: domain.FileStable, Version: version, Legacy: legacy, Revision: 1, UpdatedAt: t0}
}

func ptr(t time.Time) *time.Time { return &t }

func TestDecideProcess(t *testing.T) {
	cases := []struct {
		name   string
		snap   lifecycle.Snapshot
		in     lifecycle.Input
		action domain.Action
		reason domain.Reason
	}{
		{"absent", lifecycle.Snapshot{}, lifecycle.Input{}, domain.ActionCreateVolatile, domain.ReasonAbsent},
		{"volatile unchanged", lifecycle.Snapshot{Volatile: volatile()}, lifecycle.Input{LatestInput: ptr(t0.Add(-time.Hour))}, domain.ActionSkip, domain.ReasonNoChange},
		{"volatile same timestamp", lifecycle.Snapshot{Volatile: volatile()}, lifecycle.Input{LatestInput: ptr(t0)}, domain.ActionSkip, domain.ReasonNoChange},
		{"volatile new raw", lifecycle.Snapshot{Volatile: volatile()}, lifecycle.Input{LatestInput: ptr(t0.Add(time.Second))}, domain.ActionReprocessVolatile, domain.ReasonNewRawData},
		{"volatile reprocess", lifecycle.Snapshot{Volatile: volatile()}, lifecycle.Input{Options: domain.Options{Reprocess: true}}, domain.ActionReprocessVolatile, domain.ReasonForced},
		{"volatile reprocess_volatile", lifecycle.Snapshot{Volatile: volatile()}, lifecycle.Input{Options: domain.Options{ReprocessVolatile: true}}, domain.ActionReprocessVolatile, domain.ReasonForced},
		{"stable reprocess", lifecycle.Snapshot{Stable: stable(1, false)}, lifecycle.Input{Options: domain.Options{Reprocess: true}, AllowNewVersion: true}, domain.ActionSkip, domain.ReasonStableImmutable},
		{"stable new version", lifecycle.Snapshot{Stable: stable(1, false)}, lifecycle.Input{Options: domain.Options{NewVersion: true}, AllowNewVersion: true}, domain.ActionCreateStableVersion, domain.ReasonVersionBump},
		{"stable new version disallowed", lifecycle.Snapshot{Stable: stable(1, false)}, lifecycle.Input{Options: domain.Options{NewVersion: true}}, domain.ActionSkip, domain.ReasonStableImmutable},
		{"legacy new version", lifecycle.Snapshot{Stable: stable(1, true)}, lifecycle.Input{Options: domain.Options{NewVersion: true}, AllowNewVersion: true}, domain.ActionSkip, domain.ReasonLegacyImmutable},
		{"legacy forced new version", lifecycle.Snapshot{Stable: stable(1, true)}, lifecycle.Input{Options: domain.Options{NewVersion: true, Force: true}, AllowNewVersion: true}, domain.ActionCreateStableVersion, domain.ReasonVersionBump},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Mode = domain.ModeProcess
			action, reason := lifecycle.Decide(tc.snap, tc.in)
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.reason, reason)
			assert.Contains(t, append(lifecycle.LegalActions(tc.snap.State()), domain.ActionSkip), action)
		})
	}
}

func TestDecideFreeze(t *testing.T) {
	in := lifecycle.Input{Mode: domain.ModeFreeze}
	action, reason := lifecycle.Decide(lifecycle.Snapshot{}, in)
	assert.Equal(t, domain.ActionSkip, action)
	assert.Equal(t, domain.ReasonNotFound, reason)

	_, reason = lifecycle.Decide(lifecycle.Snapshot{Volatile: volatile()}, in)
	assert.Equal(t, domain.ReasonNotDue, reason)

	in.FreezeDue = true
	action, _ = lifecycle.Decide(lifecycle.Snapshot{Volatile: volatile()}, in)
	assert.Equal(t, domain.ActionFreeze, action)

	_, reason = lifecycle.Decide(lifecycle.Snapshot{Stable: stable(1, false)}, in)
	assert.Equal(t, domain.ReasonAlreadyFrozen, reason)

	in = lifecycle.Input{Mode: domain.ModeFreeze, Options: domain.Options{Force: true}}
	action, reason = lifecycle.Decide(lifecycle.Snapshot{Volatile: volatile()}, in)
	assert.Equal(t, domain.ActionFreeze, action)
	assert.Equal(t, domain.ReasonForced, reason)
}

func TestFreezeDue(t *testing.T) {
	rec := volatile()
	assert.False(t, lifecycle.FreezeDue(rec, 3, t0.Add(71*time.Hour)))
	assert.True(t, lifecycle.FreezeDue(rec, 3, t0.Add(72*time.Hour)))
	assert.False(t, lifecycle.FreezeDue(stable(1, false), 0, t0))
}

func TestSnapshotPicksHighestStable(t *testing.T) {
	snap := lifecycle.NewSnapshot([]domain.FileRecord{*stable(1, false), *stable(3, false), *stable(2, false)})
	require.NotNil(t, snap.Stable)
	assert.Equal(t, 3, snap.Stable.Version)
	assert.Equal(t, lifecycle.StateStable, snap.State())
}

func TestCheckPrecondition(t *testing.T) {
	v := volatile()
	task := domain.Task{Fingerprint: fp, Action: domain.ActionReprocessVolatile, Expected: v.Ref()}
	require.NoError(t, lifecycle.CheckPrecondition(task, lifecycle.Snapshot{Volatile: v}))

	moved := *v
	moved.Revision++
	err := lifecycle.CheckPrecondition(task, lifecycle.Snapshot{Volatile: &moved})
	assert.True(t, errors.Is(err, lifecycle.ErrStale))

	create := domain.Task{Fingerprint: fp, Action: domain.ActionCreateVolatile}
	assert.True(t, errors.Is(lifecycle.CheckPrecondition(create, lifecycle.Snapshot{Volatile: v}), lifecycle.ErrStale))
	assert.True(t, errors.Is(lifecycle.CheckPrecondition(create, lifecycle.Snapshot{Stable: stable(1, false)}), lifecycle.ErrStale))

	s1 := stable(1, false)
	bump := domain.Task{Fingerprint: fp, Action: domain.ActionCreateStableVersion, ExpectedStable: s1.Ref()}
	require.NoError(t, lifecycle.CheckPrecondition(bump, lifecycle.Snapshot{Stable: s1}))
	assert.True(t, errors.Is(lifecycle.CheckPrecondition(bump, lifecycle.Snapshot{Stable: stable(2, false)}), lifecycle.ErrStale))

	legacy := stable(1, true)
	legacyBump := domain.Task{Fingerprint: fp, Action: domain.ActionCreateStableVersion, ExpectedStable: legacy.Ref()}
	err = lifecycle.CheckPrecondition(legacyBump, lifecycle.Snapshot{Stable: legacy})
	require.Error(t, err)
	assert.False(t, errors.Is(err, lifecycle.ErrStale))
}
