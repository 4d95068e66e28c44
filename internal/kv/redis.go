package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/notiq/internal/domain"
)

// setNX stores ARGV[1] with a PX ttl unless the key is live, and returns
// {created, current value} atomically.
var setNX = r.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return {1, ARGV[1]}
end
return {0, redis.call('GET', KEYS[1])}
`)

// incrWindow opens the window on the first hit and returns {count, pttl}.
var incrWindow = r.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Redis is a Store shared by every instance pointing at the same server.
type Redis struct {
	rdb    r.UniversalClient
	prefix string
}

func NewRedis(rdb r.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (q *Redis) key(k string) string { return q.prefix + k }

// fail wraps err and marks it unavailable unless the server answered with
// an error reply or the caller gave up.
func fail(op, key string, err error) error {
	err = fmt.Errorf("redis %s %s: %w", op, key, err)
	var reply r.Error
	if errors.As(err, &reply) || errors.Is(err, context.Canceled) {
		return err
	}
	return domain.Unavailable(err)
}

func (q *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := q.rdb.Get(ctx, q.key(key)).Result()
	if err == r.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail("get", key, err)
	}
	return v, true, nil
}

func (q *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	res, err := setNX.Run(ctx, q.rdb, []string{q.key(key)}, value, ttl.Milliseconds()).Slice()
	if err != nil {
		return "", false, fail("setnx", key, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("redis setnx %s: unexpected reply %v", key, res)
	}
	created, _ := res[0].(int64)
	existing, _ := res[1].(string)
	return existing, created == 1, nil
}

func (q *Redis) Delete(ctx context.Context, key string) error {
	if err := q.rdb.Del(ctx, q.key(key)).Err(); err != nil {
		return fail("del", key, err)
	}
	return nil
}

func (q *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindow.Run(ctx, q.rdb, []string{q.key(key)}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fail("incr", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis incr %s: unexpected reply %v", key, res)
	}
	n, _ := res[0].(int64)
	ttl, _ := res[1].(int64)
	return n, time.Duration(ttl) * time.Millisecond, nil
}

func (q *Redis) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return domain.Unavailable(fmt.Errorf("redis ping: %w", err))
	}
	return nil
}
