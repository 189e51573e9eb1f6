package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainvault/internal/domain"

	"github.com/redis/go-redis/v9"
)

// The window subject is a hash tag so every scope of one vault lands on the
// same cluster slot.
const keyPrefix = "chainvault:rl:"

// allowScript refuses without counting once the budget is spent, so a
// throttled vault does not keep extending its own window.
var allowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {0, current, redis.call("PTTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, current, redis.call("PTTL", KEYS[1])}
`)

// Redis shares windows between every coordinator pointed at the same server.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

func DialRedis(addr, password string, db int) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), nil), nil
}

func NewRedis(client redis.UniversalClient, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	return &Redis{client: client, now: now}
}

func redisKey(key domain.RateLimitKey) string {
	return fmt.Sprintf("%s{%s}:%s", keyPrefix, key.Subject(), key.Scope)
}

func (r *Redis) Allow(ctx context.Context, key domain.RateLimitKey, rule domain.RateLimitRule) (domain.RateLimitDecision, error) {
	if rule.Limit <= 0 {
		return rule.Unlimited(), nil
	}
	span := rule.Window
	if span <= 0 {
		span = defaultWindow
	}
	values, err := allowScript.Run(ctx, r.client, []string{redisKey(key)}, rule.Limit, span.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(values) != 3 {
		return domain.RateLimitDecision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, values)
	}
	decision := domain.RateLimitDecision{
		Allowed:   values[0] == 1,
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(values[1]),
		ResetAt:   r.now(),
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if values[2] > 0 {
		decision.ResetAt = decision.ResetAt.Add(time.Duration(values[2]) * time.Millisecond)
	}
	return decision, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
