package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netbill/internal/config"
	"go.uber.org/zap"
)

const (
	defaultLockTTL      = 15 * time.Second
	defaultLockWait     = 2 * time.Second
	defaultLockInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only while it still holds our token, so a
// delivery whose lock expired cannot free the next holder's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// WebhookLocker serializes concurrent deliveries of one transaction id across
// replicas. It only narrows the race; the ledger stays authoritative.
type WebhookLocker struct {
	client   *redis.Client
	release  *redis.Script
	ttl      time.Duration
	wait     time.Duration
	interval time.Duration
	log      *zap.Logger
}

func NewWebhookLocker(client *redis.Client, cfg config.Config, log *zap.Logger) *WebhookLocker {
	if client == nil {
		return nil
	}
	ttl := cfg.Redis.WebhookLockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &WebhookLocker{
		client:   client,
		release:  redis.NewScript(releaseScript),
		ttl:      ttl,
		wait:     defaultLockWait,
		interval: defaultLockInterval,
		log:      log.Named("payment.webhook_lock"),
	}
}

// Acquire waits briefly for the lock on transactionID. The returned release
// func is always safe to call. acquired is false when the wait expired or
// redis failed; callers proceed either way.
func (w *WebhookLocker) Acquire(ctx context.Context, transactionID string) (release func(), acquired bool) {
	noop := func() {}
	if w == nil {
		return noop, false
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return noop, false
	}

	key := webhookLockKey(transactionID)
	token := uuid.NewString()
	deadline := time.Now().Add(w.wait)
	for {
		ok, err := w.client.SetNX(ctx, key, token, w.ttl).Result()
		if err != nil {
			w.log.Warn("webhook lock unavailable", zap.String("transaction_id", transactionID), zap.Error(err))
			return noop, false
		}
		if ok {
			return func() { w.unlock(context.WithoutCancel(ctx), key, token, transactionID) }, true
		}
		if time.Now().After(deadline) {
			w.log.Info("webhook lock contended, continuing without it", zap.String("transaction_id", transactionID))
			return noop, false
		}

		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return noop, false
		case <-timer.C:
		}
	}
}

func (w *WebhookLocker) unlock(ctx context.Context, key, token, transactionID string) {
	if err := w.release.Run(ctx, w.client, []string{key}, token).Err(); err != nil {
		w.log.Warn("webhook lock release failed", zap.String("transaction_id", transactionID), zap.Error(err))
	}
}
