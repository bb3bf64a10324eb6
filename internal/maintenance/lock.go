// Package maintenance runs scheduled housekeeping: cron-driven cleanup
// of old job records, serialized across engine instances by a Redis
// lock.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sendable-ai/relayq/internal/relayerr"
)

// releaseScript deletes the lock only when this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only for the current holder.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a single-holder distributed lock. The token ties release and
// extension to the instance that acquired it.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLock creates a lock on the given key.
func NewLock(client *redis.Client, queueName, name string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    fmt.Sprintf("relayq:%s:lock:%s", queueName, name),
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lock. Returns false when another
// instance holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, relayerr.Wrap(relayerr.KindConnection, "lock.acquire", err)
	}
	return ok, nil
}

// Release frees the lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return relayerr.Wrap(relayerr.KindConnection, "lock.release", err)
	}
	return nil
}

// Extend refreshes the lock TTL for long-running passes. Returns false
// when the lock was lost.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return false, relayerr.Wrap(relayerr.KindConnection, "lock.extend", err)
	}
	return res == 1, nil
}
