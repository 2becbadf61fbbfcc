package domain

import "errors"

var (
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrWebhookSecretMissing = errors.New("webhook_secret_missing")
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrCustomerNotFound     = errors.New("customer_not_found")
	ErrServiceNotFound      = errors.New("service_not_found")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidReference     = errors.New("invalid_reference")
	ErrGatewayTransport     = errors.New("gateway_transport")
	ErrGatewayNotConfigured = errors.New("gateway_not_configured")
	ErrMissingReferences    = errors.New("missing_references")
	ErrEventIgnored         = errors.New("event_ignored")
)
