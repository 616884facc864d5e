package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLeaseLost is returned by Release when the lease expired and another
// holder took the key.
var ErrLeaseLost = errors.New("lease lost")

// LeaseClient is the part of the redis API a Locker needs.
type LeaseClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// Locker implements core.Locker on redis so every replica shares the leases.
type Locker struct {
	client LeaseClient
	prefix string
}

func NewLocker(client LeaseClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (core.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %v", ttl)
	}
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", full, err)
	}
	if !ok {
		return nil, core.ErrLockHeld
	}
	return &lease{client: l.client, key: full, token: token}, nil
}

type lease struct {
	client LeaseClient
	key    string
	token  string
}

func (l *lease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	if deleted == 0 {
		return ErrLeaseLost
	}
	return nil
}
