package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// takeScript refills the bucket from the elapsed redis time and takes one
// token. It returns 0 when a token was taken, otherwise the milliseconds
// until the next token is due.
const takeScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) / 1000 * rate)
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return wait
`

var errBucketArgs = errors.New("token bucket needs a key, a positive rate and a positive burst")

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// TokenBucket is a redis-backed bucket shared by every replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(takeScript)}
}

// Take spends one token from key, refilling at rate tokens per second up to
// burst.
func (b *TokenBucket) Take(ctx context.Context, key string, rate float64, burst int) (Decision, error) {
	if b == nil || b.client == nil {
		return Decision{}, errors.New("token bucket not configured")
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return Decision{}, errBucketArgs
	}

	waitMS, err := b.script.Run(ctx, b.client, []string{key}, rate, burst, bucketTTL(rate, burst).Milliseconds()).Int64()
	if err != nil {
		return Decision{}, err
	}
	if waitMS <= 0 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(waitMS) * time.Millisecond}, nil
}

// bucketTTL keeps idle buckets around for twice the time a full refill takes.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}
