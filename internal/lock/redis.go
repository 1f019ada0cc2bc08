package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// redisStore narrows the go-redis client to the operations the lock needs,
// so tests can substitute a fake.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	PExpire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
}

type holding struct {
	owner      string
	acquiredAt time.Time
	minHold    time.Duration
}

// RedisProvider implements Provider with SET NX PX plus an owner token.
// The key TTL is the max hold; on release the key is kept alive until the
// min hold has elapsed, so a competing node that ticks early still sees
// the lock occupied.
type RedisProvider struct {
	client redisStore

	mu   sync.Mutex
	held map[string]holding

	now func() time.Time
}

func NewRedisProvider(client *redis.Client) *RedisProvider {
	return newRedisProvider(client)
}

func newRedisProvider(client redisStore) *RedisProvider {
	return &RedisProvider{
		client: client,
		held:   make(map[string]holding),
		now:    time.Now,
	}
}

func (p *RedisProvider) TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (bool, error) {
	if maxHold <= 0 {
		return false, errors.New("lock: maxHold must be positive")
	}

	owner := ulid.Make().String()
	ok, err := p.client.SetNX(ctx, keyPrefix+name, owner, maxHold).Result()
	if err != nil {
		return false, fmt.Errorf("lock setnx %q: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	p.mu.Lock()
	p.held[name] = holding{owner: owner, acquiredAt: p.now(), minHold: minHold}
	p.mu.Unlock()

	return true, nil
}

func (p *RedisProvider) Release(ctx context.Context, name string) error {
	p.mu.Lock()
	h, ok := p.held[name]
	delete(p.held, name)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	key := keyPrefix + name

	value, err := p.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("lock read owner %q: %w", name, err)
	}
	if value != h.owner {
		// max hold expired and someone else took over; not ours to touch
		return nil
	}

	// honor min hold: shrink TTL to the remainder instead of deleting
	if remaining := h.minHold - p.now().Sub(h.acquiredAt); remaining > 0 {
		if _, err := p.client.PExpire(ctx, key, remaining).Result(); err != nil {
			return fmt.Errorf("lock pexpire %q: %w", name, err)
		}
		return nil
	}

	if _, err := p.client.Del(ctx, key).Result(); err != nil {
		return fmt.Errorf("lock delete %q: %w", name, err)
	}

	return nil
}
