package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// counterScript bumps the courier's window counter and sets the expiry on
// the first increment, so the whole check stays one atomic call.
var counterScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter is the store-native fixed window: INCR with expiry. It fails
// open when redis is unreachable; throttling is an optimisation, not a
// correctness guard, and a down backend must not stall the live feed.
type RedisLimiter struct {
	rdb    *redis.Client
	budget int
	log    zerolog.Logger
}

func NewRedisLimiter(rdb *redis.Client, budget int, log zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		budget: budget,
		log:    log.With().Str("component", "ratelimit").Logger(),
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, courierID string) bool {
	if r.budget <= 0 {
		return true
	}

	n, err := counterScript.Run(ctx, r.rdb,
		[]string{"fleet:rate:" + courierID},
		window.Milliseconds(),
	).Int64()
	if err != nil {
		r.log.Warn().Err(err).Str("courier", courierID).Msg("rate check failed, admitting")
		return true
	}
	return n <= int64(r.budget)
}
