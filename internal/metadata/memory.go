package metadata

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloudnetproc/internal/domain"
)

// Memory is an in-process Store with the same per-record serialization and
// concurrency checks as the portal. It backs tests and dry runs.
type Memory struct {
	Now       func() time.Time
	PIDPrefix string

	mu    sync.Mutex
	files map[string]*domain.FileRecord
	raw   []domain.RawFile
}

func NewMemory() *Memory {
	return &Memory{
		Now:       time.Now,
		PIDPrefix: "https://hdl.handle.net/21.12132/1.",
		files:     map[string]*domain.FileRecord{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// Seed inserts a record as-is, assigning a uuid when missing.
func (m *Memory) Seed(rec domain.FileRecord) domain.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	stored := clone(rec)
	m.files[rec.UUID] = &stored
	return clone(rec)
}

// AddRawFile registers a raw submission.
func (m *Memory) AddRawFile(rf domain.RawFile) domain.RawFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rf.UUID == "" {
		rf.UUID = uuid.NewString()
	}
	if rf.UpdatedAt.IsZero() {
		rf.UpdatedAt = m.now()
	}
	if rf.Status == "" {
		rf.Status = "uploaded"
	}
	m.raw = append(m.raw, rf)
	return rf
}

// All returns every stored record ordered by fingerprint then version.
func (m *Memory) All() []domain.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.FileRecord, 0, len(m.files))
	for _, r := range m.files {
		out = append(out, clone(*r))
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := out[i].Fingerprint.String(), out[j].Fingerprint.String(); a != b {
			return a < b
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func (m *Memory) FileVersions(_ context.Context, fp domain.Fingerprint) ([]domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.versionsLocked(fp)
	out := make([]domain.FileRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, clone(*r))
	}
	return out, nil
}

func (m *Memory) versionsLocked(fp domain.Fingerprint) []*domain.FileRecord {
	var out []*domain.FileRecord
	for _, r := range m.files {
		if r.Fingerprint == fp {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (m *Memory) ListFiles(_ context.Context, f domain.FileFilter) ([]domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FileRecord
	for _, r := range m.files {
		fp := r.Fingerprint
		switch {
		case f.Site != "" && fp.Site != f.Site:
		case !f.Start.IsZero() && fp.Date.Before(f.Start):
		case !f.Stop.IsZero() && fp.Date.After(f.Stop):
		case len(f.Products) > 0 && !slices.Contains(f.Products, fp.Product):
		case f.InstrumentPID != "" && fp.InstrumentPID != f.InstrumentPID:
		case f.ModelID != "" && fp.ModelID != f.ModelID:
		case f.State != "" && r.State != f.State:
		case !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore):
		default:
			out = append(out, clone(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := out[i].Fingerprint.String(), out[j].Fingerprint.String(); a != b {
			return a < b
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Memory) ListRawFiles(_ context.Context, f domain.RawFilter) ([]domain.RawFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RawFile
	for _, r := range m.raw {
		switch {
		case f.Site != "" && r.Site != f.Site:
		case !f.Start.IsZero() && r.Date.Before(f.Start):
		case !f.Stop.IsZero() && r.Date.After(f.Stop):
		case len(f.Instruments) > 0 && !slices.Contains(f.Instruments, r.Instrument):
		case f.InstrumentPID != "" && r.InstrumentPID != f.InstrumentPID:
		case f.Model != "" && r.Model != f.Model:
		case !f.UpdatedSince.IsZero() && r.UpdatedAt.Before(f.UpdatedSince):
		default:
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) CreateOrUpdateVolatile(_ context.Context, fp domain.Fingerprint, man domain.Manifest) (domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var vol *domain.FileRecord
	for _, r := range m.versionsLocked(fp) {
		if r.State == domain.FileStable {
			return domain.FileRecord{}, fmt.Errorf("%w: %s already has stable version %d", ErrConflict, fp, r.Version)
		}
		vol = r
	}
	now := m.now()
	if vol == nil {
		if man.ExpectedRevision != 0 {
			return domain.FileRecord{}, fmt.Errorf("%w: %s has no volatile record", ErrConflict, fp)
		}
		rec := domain.FileRecord{
			UUID:        uuid.NewString(),
			Fingerprint: fp,
			State:       domain.FileVolatile,
			Revision:    1,
			CreatedAt:   now,
		}
		applyManifest(&rec, man, now)
		m.files[rec.UUID] = &rec
		return clone(rec), nil
	}
	if vol.Revision != man.ExpectedRevision {
		// A replay of a write that already landed returns the stored record.
		if vol.Checksum == man.Checksum {
			return clone(*vol), nil
		}
		return domain.FileRecord{}, fmt.Errorf("%w: %s revision %d, expected %d", ErrConflict, fp, vol.Revision, man.ExpectedRevision)
	}
	applyManifest(vol, man, now)
	vol.Revision++
	return clone(*vol), nil
}

func (m *Memory) CreateStableVersion(_ context.Context, fp domain.Fingerprint, man domain.Manifest) (domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.FileRecord
	for _, r := range m.versionsLocked(fp) {
		if r.State == domain.FileVolatile {
			return domain.FileRecord{}, fmt.Errorf("%w: %s has a volatile record", ErrConflict, fp)
		}
		latest = r
	}
	current := 0
	if latest != nil {
		current = latest.Version
	}
	if current != man.ExpectedVersion {
		if latest != nil && latest.Checksum == man.Checksum && latest.PreviousUUID == man.PreviousUUID {
			return clone(*latest), nil
		}
		return domain.FileRecord{}, fmt.Errorf("%w: %s is at version %d, expected %d", ErrConflict, fp, current, man.ExpectedVersion)
	}
	now := m.now()
	rec := domain.FileRecord{
		UUID:        uuid.NewString(),
		Fingerprint: fp,
		Version:     current + 1,
		State:       domain.FileStable,
		Revision:    1,
		CreatedAt:   now,
	}
	applyManifest(&rec, man, now)
	if latest != nil && rec.PreviousUUID == "" {
		rec.PreviousUUID = latest.UUID
	}
	rec.PID = m.PIDPrefix + rec.UUID
	m.files[rec.UUID] = &rec
	return clone(rec), nil
}

func (m *Memory) Freeze(_ context.Context, id string, expectedRevision int64, storageKey string) (domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[id]
	if !ok {
		return domain.FileRecord{}, fmt.Errorf("freeze %s: %w", id, ErrNotFound)
	}
	if rec.State == domain.FileStable {
		return clone(*rec), nil
	}
	if rec.Revision != expectedRevision {
		return domain.FileRecord{}, fmt.Errorf("%w: %s revision %d, expected %d", ErrConflict, id, rec.Revision, expectedRevision)
	}
	version := 1
	for _, r := range m.versionsLocked(rec.Fingerprint) {
		if r.State == domain.FileStable && r.Version >= version {
			version = r.Version + 1
		}
	}
	rec.State = domain.FileStable
	rec.Version = version
	if storageKey != "" {
		rec.StorageKey = storageKey
	}
	rec.PID = m.PIDPrefix + rec.UUID
	rec.Revision++
	rec.UpdatedAt = m.now()
	return clone(*rec), nil
}

func applyManifest(rec *domain.FileRecord, man domain.Manifest, now time.Time) {
	rec.Filename = man.Filename
	rec.StorageKey = man.StorageKey
	rec.Checksum = man.Checksum
	rec.Size = man.Size
	rec.Software = maps.Clone(man.Software)
	rec.SourceUUIDs = slices.Clone(man.SourceUUIDs)
	if man.PreviousUUID != "" {
		rec.PreviousUUID = man.PreviousUUID
	}
	rec.UpdatedAt = now
}

func clone(r domain.FileRecord) domain.FileRecord {
	r.Software = maps.Clone(r.Software)
	r.SourceUUIDs = slices.Clone(r.SourceUUIDs)
	return r
}
