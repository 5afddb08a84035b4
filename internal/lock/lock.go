package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloudnetproc/internal/repo"
)

// ErrHeld is returned by TryLock when another holder owns the key.
var ErrHeld = errors.New("processing lock held")

// Locker hands out non-blocking exclusive locks per fingerprint key.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// Local excludes holders within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: map[string]struct{}{}}
}

func (l *Local) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Lease excludes holders sharing one workspace database. Leases expire after TTL so a
// crashed holder never blocks a fingerprint for longer than that.
type Lease struct {
	Repo    repo.Repo
	OwnerID string
	TTL     time.Duration
	Now     func() time.Time
}

func (l Lease) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l Lease) TryLock(ctx context.Context, key string) (func(), error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if _, err := l.Repo.ClaimLease(ctx, key, l.OwnerID, ttl, l.now()); err != nil {
		if errors.Is(err, repo.ErrLeaseHeld) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, key)
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// The lease expires on its own if the release cannot be written.
			_ = l.Repo.ReleaseLease(context.WithoutCancel(ctx), key, l.OwnerID)
		})
	}, nil
}

// Chain acquires every locker in order and releases them in reverse.
type Chain []Locker

func (c Chain) TryLock(ctx context.Context, key string) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		rel, err := l.TryLock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releaseAll, nil
}
