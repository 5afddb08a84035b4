package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"cloudnetproc/internal/domain"
)

var ErrNotFound = errors.New("object not found")

// ArtifactStore holds product files in a volatile and a stable area.
type ArtifactStore interface {
	// Upload stores the local file at key, in the volatile area when volatile is set.
	Upload(ctx context.Context, key, localPath string, volatile bool) error
	// Promote moves the volatile object src to dst in the stable area. Promoting an
	// already promoted object succeeds.
	Promote(ctx context.Context, src, dst string) error
	// Discard removes a volatile object. Removing a missing object succeeds.
	Discard(ctx context.Context, key string) error
}

// ObjectKey names a product file. The key carries the version after the first and a
// checksum prefix, so an object is only ever written with the same bytes.
func ObjectKey(fp domain.Fingerprint, filename string, version int, checksum string) string {
	base := path.Join(fp.Site, fp.Date.String())
	if version > 1 {
		base = path.Join(base, fmt.Sprintf("v%d", version))
	}
	if checksum != "" {
		base = path.Join(base, checksum[:min(len(checksum), checksumPrefix)])
	}
	return path.Join(base, path.Base(filename))
}

const checksumPrefix = 12

// FileChecksum returns the hex sha256 and size of a local file.
func FileChecksum(localPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Memory keeps objects in maps; used for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	Volatile map[string][]byte
	Stable   map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{Volatile: map[string][]byte{}, Stable: map[string][]byte{}}
}

func (m *Memory) Upload(_ context.Context, key, localPath string, volatile bool) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if volatile {
		m.Volatile[key] = data
	} else {
		m.Stable[key] = data
	}
	return nil
}

func (m *Memory) Promote(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Volatile[src]
	if !ok {
		if _, done := m.Stable[dst]; done {
			return nil
		}
		return fmt.Errorf("promote %s: %w", src, ErrNotFound)
	}
	m.Stable[dst] = data
	delete(m.Volatile, src)
	return nil
}

func (m *Memory) Discard(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Volatile, key)
	return nil
}
