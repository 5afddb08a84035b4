package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"

	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/lifecycle"
	"cloudnetproc/internal/lock"
	"cloudnetproc/internal/metadata"
	"cloudnetproc/internal/processing"
	"cloudnetproc/internal/resolver"
	"cloudnetproc/internal/storage"
)

// InputSource gathers the raw files and upstream records of a fingerprint.
type InputSource interface {
	GatherInputs(ctx context.Context, fp domain.Fingerprint) (resolver.Inputs, error)
}

// Engine executes classified tasks: it takes the fingerprint lock, re-checks the task
// against fresh metadata, runs the collaborator and writes exactly one record update.
type Engine struct {
	Store        metadata.Store
	Artifacts    storage.ArtifactStore
	Collaborator processing.Collaborator
	Jobs         processing.JobRunner
	Locker       lock.Locker
	Inputs       InputSource
	// WorkDir is where per-task scratch directories are created.
	WorkDir         string
	SoftwareVersion string
	Now             func() time.Time
	Logger          *slog.Logger
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Execute runs one task. It never panics on collaborator or store failures; every
// failure is reported in the returned outcome.
func (e Engine) Execute(ctx context.Context, t domain.Task) domain.Outcome {
	if t.Action == domain.ActionSkip {
		return domain.Skipped(t.Reason)
	}
	log := e.logger().With("fingerprint", t.Fingerprint.String(), "action", t.Action)
	release, err := e.Locker.TryLock(ctx, t.Fingerprint.Key())
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			log.Info("fingerprint in progress elsewhere")
			return domain.Skipped(domain.ReasonInProgress)
		}
		return e.failed(log, err)
	}
	defer release()

	recs, err := e.Store.FileVersions(ctx, t.Fingerprint)
	if err != nil {
		return e.failed(log, err)
	}
	snap := lifecycle.NewSnapshot(recs)
	if err := lifecycle.CheckPrecondition(t, snap); err != nil {
		if errors.Is(err, lifecycle.ErrStale) {
			log.Info("stale task", "err", err)
			return domain.Skipped(domain.ReasonStaleTask)
		}
		return domain.Failed(domain.FailureFatal, err)
	}

	var out domain.Outcome
	switch t.Action {
	case domain.ActionFreeze:
		out, err = e.freeze(ctx, t, snap)
	case domain.ActionRunJob:
		out, err = e.runJob(ctx, t, snap)
	default:
		out, err = e.produce(ctx, t, snap)
	}
	if err != nil {
		if errors.Is(err, metadata.ErrConflict) || errors.Is(err, lifecycle.ErrStale) {
			log.Info("lost concurrent update", "err", err)
			return domain.Skipped(domain.ReasonStaleTask)
		}
		return e.failed(log, err)
	}
	if out.Status == domain.StatusProcessed {
		log.Info("task processed", "summary", out.Summary)
	}
	return out
}

func (e Engine) failed(log *slog.Logger, err error) domain.Outcome {
	kind := Classify(err)
	log.Warn("task failed", "failure", kind, "err", err)
	return domain.Failed(kind, err)
}

// produce handles create_volatile, reprocess_volatile and create_stable_version.
func (e Engine) produce(ctx context.Context, t domain.Task, snap lifecycle.Snapshot) (domain.Outcome, error) {
	in, err := e.Inputs.GatherInputs(ctx, t.Fingerprint)
	if err != nil {
		return domain.Outcome{}, err
	}
	if in.Missing != domain.ReasonNone {
		return domain.Skipped(in.Missing), nil
	}
	work, err := os.MkdirTemp(e.WorkDir, "cnp-")
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	req := processing.Request{
		Fingerprint: t.Fingerprint,
		Action:      t.Action,
		RawFiles:    in.RawFiles,
		Upstream:    in.Upstream,
		WorkDir:     work,
	}
	switch t.Action {
	case domain.ActionReprocessVolatile:
		req.Prior = snap.Volatile
	case domain.ActionCreateStableVersion:
		req.Prior = snap.Stable
	}
	res, err := e.Collaborator.Process(ctx, req)
	if err != nil {
		return domain.Outcome{}, err
	}
	man, err := e.manifest(t, res, in)
	if err != nil {
		return domain.Outcome{}, err
	}
	if req.Prior != nil && req.Prior.Checksum == man.Checksum {
		e.logger().Info("kept existing file", "fingerprint", t.Fingerprint.String(), "uuid", req.Prior.UUID)
		return domain.Skipped(domain.ReasonNoChange), nil
	}

	var rec domain.FileRecord
	switch t.Action {
	case domain.ActionCreateStableVersion:
		next := snap.Stable.Version + 1
		man.StorageKey = storage.ObjectKey(t.Fingerprint, man.Filename, next, man.Checksum)
		man.ExpectedVersion = snap.Stable.Version
		man.PreviousUUID = snap.Stable.UUID
		if err := e.Artifacts.Upload(ctx, man.StorageKey, res.Path, false); err != nil {
			return domain.Outcome{}, fmt.Errorf("upload %s: %w", man.StorageKey, err)
		}
		rec, err = e.Store.CreateStableVersion(ctx, t.Fingerprint, man)
	default:
		man.StorageKey = storage.ObjectKey(t.Fingerprint, man.Filename, 0, man.Checksum)
		if snap.Volatile != nil {
			man.ExpectedRevision = snap.Volatile.Revision
		}
		if err := e.Artifacts.Upload(ctx, man.StorageKey, res.Path, true); err != nil {
			return domain.Outcome{}, fmt.Errorf("upload %s: %w", man.StorageKey, err)
		}
		rec, err = e.Store.CreateOrUpdateVolatile(ctx, t.Fingerprint, man)
		if err == nil && snap.Volatile != nil {
			e.discard(ctx, snap.Volatile.StorageKey, rec.StorageKey)
		}
	}
	if err != nil {
		return domain.Outcome{}, err
	}
	return domain.Processed(&rec, fmt.Sprintf("%s %s v%d rev %d", rec.State, rec.Filename, rec.Version, rec.Revision)), nil
}

func (e Engine) manifest(t domain.Task, res processing.Result, in resolver.Inputs) (domain.Manifest, error) {
	if res.Path == "" {
		return domain.Manifest{}, processing.Fatal("collaborator returned no artifact", nil)
	}
	man := domain.Manifest{
		Filename: res.Filename,
		Checksum: res.Checksum,
		Size:     res.Size,
		Software: maps.Clone(res.Software),
	}
	if man.Filename == "" {
		man.Filename = filepath.Base(res.Path)
	}
	if man.Checksum == "" || man.Size == 0 {
		sum, size, err := storage.FileChecksum(res.Path)
		if err != nil {
			return domain.Manifest{}, processing.Fatal("read artifact", err)
		}
		man.Checksum, man.Size = sum, size
	}
	if e.SoftwareVersion != "" {
		if man.Software == nil {
			man.Software = map[string]string{}
		}
		man.Software["cloudnetproc"] = e.SoftwareVersion
	}
	for _, rf := range in.RawFiles {
		man.SourceUUIDs = append(man.SourceUUIDs, rf.UUID)
	}
	for _, up := range in.Upstream {
		man.SourceUUIDs = append(man.SourceUUIDs, up.UUID)
	}
	return man, nil
}

// discard removes the volatile object a record no longer references.
func (e Engine) discard(ctx context.Context, old, current string) {
	if old == "" || old == current {
		return
	}
	if err := e.Artifacts.Discard(ctx, old); err != nil {
		e.logger().Warn("failed to remove replaced volatile object", "key", old, "err", err)
	}
}

func (e Engine) freeze(ctx context.Context, t domain.Task, snap lifecycle.Snapshot) (domain.Outcome, error) {
	vol := snap.Volatile
	var key string
	if vol.StorageKey != "" {
		version := 1
		if snap.Stable != nil {
			version = snap.Stable.Version + 1
		}
		name := vol.Filename
		if name == "" {
			name = path.Base(vol.StorageKey)
		}
		key = storage.ObjectKey(t.Fingerprint, name, version, vol.Checksum)
		if err := e.Artifacts.Promote(ctx, vol.StorageKey, key); err != nil {
			return domain.Outcome{}, fmt.Errorf("promote %s: %w", vol.StorageKey, err)
		}
	}
	rec, err := e.Store.Freeze(ctx, vol.UUID, vol.Revision, key)
	if err != nil {
		return domain.Outcome{}, err
	}
	return domain.Processed(&rec, fmt.Sprintf("frozen as v%d %s", rec.Version, rec.PID)), nil
}

func (e Engine) runJob(ctx context.Context, t domain.Task, snap lifecycle.Snapshot) (domain.Outcome, error) {
	if e.Jobs == nil {
		return domain.Outcome{}, domain.ConfigErrorf("no runner configured for %s jobs", t.Mode)
	}
	cur := snap.Current()
	work, err := os.MkdirTemp(e.WorkDir, "cnp-job-")
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)
	if err := e.Jobs.RunJob(ctx, processing.JobRequest{Job: t.Mode, Fingerprint: t.Fingerprint, Record: *cur, WorkDir: work}); err != nil {
		return domain.Outcome{}, err
	}
	return domain.Processed(cur, fmt.Sprintf("%s done", t.Mode)), nil
}

// Classify maps an execution error to retryable or fatal. Transport failures, timeouts,
// throttling and server errors are retryable; configuration and data errors are fatal.
func Classify(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureNone
	}
	if domain.IsConfigError(err) {
		return domain.FailureFatal
	}
	if kind, ok := processing.KindOf(err); ok {
		if kind == processing.KindRetryable {
			return domain.FailureRetryable
		}
		return domain.FailureFatal
	}
	var apiErr *metadata.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return domain.FailureRetryable
		}
		return domain.FailureFatal
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code >= 500 || code == 429 || code == 408 {
			return domain.FailureRetryable
		}
		return domain.FailureFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.FailureRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.FailureRetryable
	}
	return domain.FailureFatal
}
