package redis

import (
	"context"
	"errors"
	"time"

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

// Locker hands out exclusive, expiring locks keyed by name.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// NewLocker creates a Locker. Keys are stored as prefix+name.
func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	if client == nil {
		panic("redis: client is required")
	}
	return &Locker{client: client, prefix: prefix}
}

// TryLock acquires the lock for name for at most ttl. When the lock is held by
// someone else it returns acquired=false and a nil error. The returned release
// function is safe to call more than once.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(ErrLockFailed, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return errors.Join(ErrLockFailed, err)
		}
		return nil
	}
	return release, true, nil
}
