package mercadopago

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/smallbiznis/netbill/internal/payment/domain"
)

type notificationBody struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// ParseNotification reads a webhook delivery from the JSON body, falling back
// to the type and data.id query parameters. It never fails; anything that is
// not a payment notification comes back unsupported.
func ParseNotification(body []byte, query url.Values) domain.Notification {
	var parsed notificationBody
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}

	notificationType := strings.TrimSpace(parsed.Type)
	if notificationType == "" {
		notificationType = strings.TrimSpace(parsed.Topic)
	}
	dataID := rawID(parsed.Data.ID)

	if query != nil {
		if notificationType == "" {
			notificationType = strings.TrimSpace(query.Get("type"))
		}
		if notificationType == "" {
			notificationType = strings.TrimSpace(query.Get("topic"))
		}
		if dataID == "" {
			dataID = strings.TrimSpace(query.Get("data.id"))
		}
		if dataID == "" {
			dataID = strings.TrimSpace(query.Get("id"))
		}
	}

	return domain.NewNotification(strings.ToLower(notificationType), dataID)
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String()
	}
	return ""
}
