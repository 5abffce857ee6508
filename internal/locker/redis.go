package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

const retryEvery = 25 * time.Millisecond

// unlockScript deletes the key only while it still holds our token, so an
// expired lock taken over by another instance is never released by us.
var unlockScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis locks keys with SET NX PX so that instances sharing a Redis server
// exclude each other.
type Redis struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisPool dials addr lazily and pings it once.
func NewRedisPool(addr, password string) (*redis.Pool, error) {
	pool := &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, redis.DialPassword(password))
		},
	}
	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return pool, nil
}

func NewRedis(pool *redis.Pool, prefix string) *Redis {
	if prefix == "" {
		prefix = "LOCKFOR"
	}
	return &Redis{pool: pool, prefix: prefix}
}

func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	lockKey := fmt.Sprintf("%s:%s", r.prefix, key)
	token := uuid.NewString()

	for {
		ok, err := r.tryLock(ctx, lockKey, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { r.unlock(lockKey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryEvery):
		}
	}
}

func (r *Redis) tryLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	_, err = redis.String(conn.Do("SET", lockKey, token, "NX", "PX", ttl.Milliseconds()))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis set %s: %w", lockKey, err)
	}
	return true, nil
}

func (r *Redis) unlock(lockKey, token string) {
	conn := r.pool.Get()
	defer conn.Close()
	_, _ = unlockScript.Do(conn, lockKey, token)
}
