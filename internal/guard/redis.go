package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript opens a window on the first hit, counts hits below the limit and
// leaves rejected hits uncounted. Returns {count, ttl_ms, allowed}.
var hitScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if not current then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, window, 1}
end
current = tonumber(current)
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
if current < limit then
  current = redis.call('INCR', KEYS[1])
  return {current, ttl, 1}
end
return {current, ttl, 0}
`)

// RedisStore shares budgets between processes. Window timing follows the
// Redis server clock.
type RedisStore struct {
	client redis.Scripter
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Hit(ctx context.Context, key string, limit int, win time.Duration, now time.Time) (Decision, error) {
	res, err := hitScript.Run(ctx, s.client, []string{key}, limit, win.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("guard redis hit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("guard redis hit: unexpected reply %v", res)
	}
	return Decision{
		Allowed: res[2] == 1,
		Count:   int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}
