package ratelimit

import "go.uber.org/fx"

// Every key this package writes lives under one prefix so netbill can share
// a redis with other services.
const (
	keyPrefix       = "netbill:"
	keyWebhookLock  = keyPrefix + "lock:payment:"
	keyPublicStatus = keyPrefix + "ratelimit:public_status:"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewWebhookLocker),
	fx.Provide(NewPublicStatusLimiter),
)

func webhookLockKey(transactionID string) string {
	return keyWebhookLock + transactionID
}

func publicStatusKey(clientAddr string) string {
	if clientAddr == "" {
		clientAddr = "unknown"
	}
	return keyPublicStatus + clientAddr
}
