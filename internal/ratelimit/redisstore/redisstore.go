// Package redisstore implements ratelimit.Store on Redis hashes. Each
// operation runs as a single Lua script so it is atomic per identity.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/mail-dispatch/internal/ratelimit"
)

// DefaultPrefix namespaces the window keys.
const DefaultPrefix = "ratelimit:"

// DefaultTTL expires idle window keys when no TTL is configured.
const DefaultTTL = 48 * time.Hour

// Window hash layout: start (unix ms), count. Every write refreshes the
// key's expiry (ARGV[2], ms) so idle identities are evicted.
var (
	loadScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'start', ARGV[1])
redis.call('HSETNX', KEYS[1], 'count', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
local v = redis.call('HMGET', KEYS[1], 'start', 'count')
return {tonumber(v[1]), tonumber(v[2])}
`)

	resetScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'start', ARGV[1], 'count', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {tonumber(ARGV[1]), 0}
`)

	incrementScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'start', ARGV[1])
local c = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {tonumber(redis.call('HGET', KEYS[1], 'start')), c}
`)

	// ARGV: now, ttl, limit, period. The key outlives its window by at
	// least one period.
	consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local period = tonumber(ARGV[4])
if ttl < 2 * period then
  ttl = 2 * period
end
local v = redis.call('HMGET', KEYS[1], 'start', 'count')
local start = tonumber(v[1])
local count = tonumber(v[2]) or 0
if not start or now >= start + period then
  redis.call('HSET', KEYS[1], 'start', ARGV[1], 'count', 0)
  redis.call('PEXPIRE', KEYS[1], ttl)
  start = now
  count = 0
end
if count >= limit then
  return {start, count, 0}
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('PEXPIRE', KEYS[1], ttl)
return {start, count, 1}
`)

	releaseScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'start', 'count')
if v[1] ~= ARGV[1] then
  return 0
end
if (tonumber(v[2]) or 0) <= 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'count', -1)
return 1
`)
)

// Store keeps rate windows in Redis.
type Store struct {
	client redis.Scripter
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long an untouched window key is kept. Set it to at
// least twice the rate window.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// New creates a Store. An empty prefix uses DefaultPrefix.
func New(client redis.Scripter, prefix string, opts ...Option) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Store{client: client, prefix: prefix, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load implements ratelimit.Store.
func (s *Store) Load(ctx context.Context, identity string, now time.Time) (ratelimit.Window, error) {
	vals, err := loadScript.Run(ctx, s.client, []string{s.key(identity)}, ms(now), s.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("redis load %s: %w", identity, err)
	}
	return window(identity, vals)
}

// Reset implements ratelimit.Store.
func (s *Store) Reset(ctx context.Context, identity string, now time.Time) (ratelimit.Window, error) {
	vals, err := resetScript.Run(ctx, s.client, []string{s.key(identity)}, ms(now), s.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("redis reset %s: %w", identity, err)
	}
	return window(identity, vals)
}

// Increment implements ratelimit.Store.
func (s *Store) Increment(ctx context.Context, identity string, now time.Time) (ratelimit.Window, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{s.key(identity)}, ms(now), s.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("redis increment %s: %w", identity, err)
	}
	return window(identity, vals)
}

// Consume implements ratelimit.Store.
func (s *Store) Consume(ctx context.Context, identity string, now time.Time, limit int, period time.Duration) (ratelimit.Window, bool, error) {
	vals, err := consumeScript.Run(ctx, s.client, []string{s.key(identity)},
		ms(now), s.ttl.Milliseconds(), limit, period.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Window{}, false, fmt.Errorf("redis consume %s: %w", identity, err)
	}
	if len(vals) != 3 {
		return ratelimit.Window{}, false, fmt.Errorf("redis consume %s: unexpected reply %v", identity, vals)
	}
	w, err := window(identity, vals[:2])
	return w, vals[2] == 1, err
}

// Release implements ratelimit.Store.
func (s *Store) Release(ctx context.Context, identity string, windowStart time.Time) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(identity)}, ms(windowStart)).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", identity, err)
	}
	return nil
}

func (s *Store) key(identity string) string {
	return s.prefix + identity
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func window(identity string, vals []int64) (ratelimit.Window, error) {
	if len(vals) != 2 {
		return ratelimit.Window{}, fmt.Errorf("unexpected window reply %v", vals)
	}
	return ratelimit.Window{
		Identity:    identity,
		WindowStart: time.UnixMilli(vals[0]).UTC(),
		Count:       int(vals[1]),
	}, nil
}
