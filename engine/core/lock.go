package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrLockHeld is returned by Locker.TryAcquire when another holder owns the key.
var ErrLockHeld = errors.New("lock held")

// Lease is a held per-key lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker grants short-lived exclusive leases on string keys.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// AcquireLease polls locker with exponential backoff until the lease is granted
// or wait elapses. Giving up is reported as ErrConflict.
func AcquireLease(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (Lease, error) {
	backoff := retry.NewExponential(10 * time.Millisecond)
	backoff = retry.WithCappedDuration(250*time.Millisecond, backoff)
	backoff = retry.WithMaxDuration(wait, backoff)
	var lease Lease
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		l, err := locker.TryAcquire(ctx, key, ttl)
		if errors.Is(err, ErrLockHeld) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	if errors.Is(err, ErrLockHeld) {
		return nil, Errorf(ErrConflict, "another mutation of %q is in progress", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %q: %w", key, err)
	}
	return lease, nil
}

// LocalLocker is an in-process Locker. Expired leases are reclaimable so a
// leaked lease cannot wedge a key forever.
type LocalLocker struct {
	mu     sync.Mutex
	held   map[string]*localLease
	now    func() time.Time
	serial uint64
}

type localLease struct {
	owner   *LocalLocker
	key     string
	serial  uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]*localLease), now: time.Now}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrLockHeld
	}
	l.serial++
	lease := &localLease{owner: l, key: key, serial: l.serial, expires: now.Add(ttl)}
	l.held[key] = lease
	return lease, nil
}

func (l *localLease) Release(_ context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if cur, ok := l.owner.held[l.key]; ok && cur.serial == l.serial {
		delete(l.owner.held, l.key)
	}
	return nil
}
