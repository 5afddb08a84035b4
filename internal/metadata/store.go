package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloudnetproc/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the write lost an optimistic concurrency check.
	ErrConflict = errors.New("conflict")
)

// Store is the remote metadata store. It serializes writes per record uuid and
// rejects writes whose expected revision or version does not match.
type Store interface {
	// FileVersions returns every record of a fingerprint, volatile and stable.
	FileVersions(ctx context.Context, fp domain.Fingerprint) ([]domain.FileRecord, error)
	ListFiles(ctx context.Context, filter domain.FileFilter) ([]domain.FileRecord, error)
	ListRawFiles(ctx context.Context, filter domain.RawFilter) ([]domain.RawFile, error)
	CreateOrUpdateVolatile(ctx context.Context, fp domain.Fingerprint, m domain.Manifest) (domain.FileRecord, error)
	CreateStableVersion(ctx context.Context, fp domain.Fingerprint, m domain.Manifest) (domain.FileRecord, error)
	// Freeze marks the volatile record stable and assigns its pid. A non-empty
	// storageKey replaces the record's object reference.
	Freeze(ctx context.Context, uuid string, expectedRevision int64, storageKey string) (domain.FileRecord, error)
}

// FindFile returns the current record of a fingerprint: the volatile slot, else the highest stable version.
func FindFile(ctx context.Context, s Store, fp domain.Fingerprint) (*domain.FileRecord, error) {
	recs, err := s.FileVersions(ctx, fp)
	if err != nil {
		return nil, err
	}
	var cur *domain.FileRecord
	for i := range recs {
		r := recs[i]
		if r.IsVolatile() {
			return &r, nil
		}
		if cur == nil || r.Version > cur.Version {
			cur = &r
		}
	}
	return cur, nil
}

// APIError wraps non-2xx responses of the portal.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	}
	return nil
}

// Retryable reports whether the failure is transient.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}
