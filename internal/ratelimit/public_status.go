package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netbill/internal/config"
)

const (
	defaultPublicStatusRate  = 1.0
	defaultPublicStatusBurst = 10
)

// PublicStatusLimiter throttles the unauthenticated gateway status lookup per
// client address.
type PublicStatusLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewPublicStatusLimiter(client *redis.Client, cfg config.Config) *PublicStatusLimiter {
	if client == nil || !cfg.RateLimit.Enabled {
		return nil
	}
	l := &PublicStatusLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.RateLimit.PublicStatusRate,
		burst:  cfg.RateLimit.PublicStatusBurst,
	}
	if l.rate <= 0 {
		l.rate = defaultPublicStatusRate
	}
	if l.burst <= 0 {
		l.burst = defaultPublicStatusBurst
	}
	return l
}

func (l *PublicStatusLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow always admits the request when the limiter is disabled.
func (l *PublicStatusLimiter) Allow(ctx context.Context, clientAddr string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.Take(ctx, publicStatusKey(strings.TrimSpace(clientAddr)), l.rate, l.burst)
}
