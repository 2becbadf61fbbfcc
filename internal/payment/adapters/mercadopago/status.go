package mercadopago

import (
	"strings"

	"github.com/smallbiznis/netbill/internal/payment/domain"
)

var statusTable = map[string]domain.Status{
	"approved":     domain.StatusCompleted,
	"authorized":   domain.StatusApproved,
	"in_process":   domain.StatusPending,
	"in_mediation": domain.StatusPending,
	"rejected":     domain.StatusRejected,
	"cancelled":    domain.StatusRejected,
	"refunded":     domain.StatusRejected,
	"charged_back": domain.StatusRejected,
}

// MapStatus translates a gateway payment status into the internal status.
// Unknown values map to pending.
func MapStatus(gatewayStatus string) domain.Status {
	if status, ok := statusTable[strings.ToLower(strings.TrimSpace(gatewayStatus))]; ok {
		return status
	}
	return domain.StatusPending
}
