package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

var setScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
if v then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// queueLua is shared by the fair queue scripts. KEYS[q], KEYS[q+1] and
// KEYS[q+2] are the queue, its sequence and the waiter deadline hash.
const queueLua = `
local function nowMs()
    local t = redis.call("TIME")
    return tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end

local function enroll(q, token, now, waiterTTL)
    if not redis.call("ZSCORE", KEYS[q], token) then
        redis.call("ZADD", KEYS[q], redis.call("INCR", KEYS[q + 1]), token)
    end
    redis.call("HSET", KEYS[q + 2], token, string.format("%.0f", now + waiterTTL))
    for i = q, q + 2 do
        if redis.call("PTTL", KEYS[i]) < waiterTTL then
            redis.call("PEXPIRE", KEYS[i], waiterTTL)
        end
    end
end
`

// KEYS: queue, sequence, deadlines. ARGV: token, waiter ttl ms.
var enqueueScript = redis.NewScript(queueLua + `
enroll(1, ARGV[1], nowMs(), tonumber(ARGV[2]))
return 1
`)

// KEYS: lock, queue, sequence, deadlines. ARGV: token, ttl ms, waiter ttl ms.
var acquireHeadScript = redis.NewScript(queueLua + `
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    redis.call("ZREM", KEYS[2], ARGV[1])
    redis.call("HDEL", KEYS[4], ARGV[1])
    return 1
end
local now = nowMs()
enroll(2, ARGV[1], now, tonumber(ARGV[3]))
while true do
    local head = redis.call("ZRANGE", KEYS[2], 0, 0)[1]
    if head == ARGV[1] then
        break
    end
    local deadline = tonumber(redis.call("HGET", KEYS[4], head))
    if deadline and deadline >= now then
        return 0
    end
    redis.call("ZREM", KEYS[2], head)
    redis.call("HDEL", KEYS[4], head)
end
if v then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
return 1
`)

// Redis implements FairPrimitives and Extender on top of Redis. Every
// operation is a single Lua script, so the check and the write happen
// atomically on the server.
//
// The fair queue lives in a sorted set at QueueKey(key), scored by an INCR
// sequence. Waiter liveness is a deadline in server time kept in the hash at
// QueueSeenKey(key). Every queue key shares the cluster slot of key, so the
// scripts also run against Redis Cluster.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis backend.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Redis backend using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultStoreTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

func (r *Redis) run(ctx context.Context, op string, s *redis.Script, keys []string, args ...any) (int64, error) {
	cctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	n, err := s.Run(cctx, r.client, keys, args...).Int64()
	if err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			err = lockerrors.ErrConnectionClosed
		}
		return 0, storeError(op, err)
	}
	return n, nil
}

// SetIfAbsent implements Primitives.SetIfAbsent.
func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (SetResult, error) {
	n, err := r.run(ctx, "redis set", setScript, []string{key}, value, ttl.Milliseconds())
	if err != nil {
		return SetHeld, err
	}
	if n == 1 {
		return SetGranted, nil
	}
	return SetHeld, nil
}

// DeleteIfEquals implements Primitives.DeleteIfEquals.
func (r *Redis) DeleteIfEquals(ctx context.Context, key, expected string) (DeleteResult, error) {
	n, err := r.run(ctx, "redis delete", delScript, []string{key}, expected)
	if err != nil {
		return DeleteMismatch, err
	}
	if n == 1 {
		return Deleted, nil
	}
	return DeleteMismatch, nil
}

// ExtendIfEquals implements Extender.ExtendIfEquals.
func (r *Redis) ExtendIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := r.run(ctx, "redis extend", extendScript, []string{key}, expected, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Enqueue implements FairPrimitives.Enqueue.
func (r *Redis) Enqueue(ctx context.Context, key, token string, waiterTTL time.Duration) error {
	keys := []string{QueueKey(key), queueSeqKey(key), QueueSeenKey(key)}
	_, err := r.run(ctx, "redis enqueue", enqueueScript, keys, token, waiterTTL.Milliseconds())
	return err
}

// AcquireIfHead implements FairPrimitives.AcquireIfHead. A token that
// already holds the lease is granted again with a refreshed ttl, so a retry
// after a lost reply does not requeue the holder.
func (r *Redis) AcquireIfHead(ctx context.Context, key, token string, ttl, waiterTTL time.Duration) (SetResult, error) {
	keys := []string{key, QueueKey(key), queueSeqKey(key), QueueSeenKey(key)}
	n, err := r.run(ctx, "redis acquire", acquireHeadScript, keys,
		token, ttl.Milliseconds(), waiterTTL.Milliseconds())
	if err != nil {
		return SetHeld, err
	}
	if n == 1 {
		return SetGranted, nil
	}
	return SetHeld, nil
}

// Dequeue implements FairPrimitives.Dequeue.
func (r *Redis) Dequeue(ctx context.Context, key, token string) error {
	cctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.ZRem(cctx, QueueKey(key), token)
	pipe.HDel(cctx, QueueSeenKey(key), token)
	if _, err := pipe.Exec(cctx); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			err = lockerrors.ErrConnectionClosed
		}
		return storeError("redis dequeue", err)
	}
	return nil
}

// Holder implements Inspector.Holder.
func (r *Redis) Holder(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(cctx, key).Result()
	if stdErrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			err = lockerrors.ErrConnectionClosed
		}
		return "", false, storeError("redis holder", err)
	}
	return v, true, nil
}
