package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey     ctxKey = "request_id"
	actorIDKey       ctxKey = "actor_id"
	transactionIDKey ctxKey = "transaction_id"
)

// WithRequestID stores the request correlation id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithActorID stores the authenticated subject, if any.
func WithActorID(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorIDKey, actorID)
}

func ActorIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(actorIDKey).(string)
	return value
}

// WithTransactionID tags ctx with the payment transaction being processed so
// log lines below the service layer carry it.
func WithTransactionID(ctx context.Context, transactionID string) context.Context {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return ctx
	}
	return context.WithValue(ctx, transactionIDKey, transactionID)
}

func TransactionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(transactionIDKey).(string)
	return value
}
