package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/smallbiznis/netbill/internal/payment/domain"
	"go.uber.org/zap"
)

// FieldName is the payload key carrying the signature. It never takes part
// in the canonical form.
const FieldName = "signature"

type Verifier struct {
	secret        string
	allowUnsigned bool
	log           *zap.Logger
}

func NewVerifier(secret string, allowUnsigned bool, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{
		secret:        strings.TrimSpace(secret),
		allowUnsigned: allowUnsigned,
		log:           log.Named("payment.signature"),
	}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify checks provided against the HMAC of the canonical payload.
// Without a secret the check is skipped when unsigned delivery is allowed.
func (v *Verifier) Verify(payload map[string]any, provided string) error {
	if !v.Enabled() {
		if v != nil && v.allowUnsigned {
			v.log.Warn("webhook secret not configured, skipping signature verification")
			return nil
		}
		return domain.ErrWebhookSecretMissing
	}

	provided = strings.ToLower(strings.TrimSpace(provided))
	if provided == "" {
		return domain.ErrInvalidSignature
	}
	expected := ComputeSignature(Canonicalize(payload), v.secret)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature for payload, or "" when no secret is configured.
func (v *Verifier) Sign(payload map[string]any) string {
	if !v.Enabled() {
		return ""
	}
	return ComputeSignature(Canonicalize(payload), v.secret)
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of canonical.
func ComputeSignature(canonical, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Canonicalize renders payload as key=value pairs sorted by key and joined
// with "&". The signature field is excluded.
func Canonicalize(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		if key == FieldName {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(renderValue(payload[key]))
	}
	return b.String()
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case json.Number:
		// Integer literals stay exact past 2^53 so they match typed int64 ids.
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		if f, err := v.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return v.String()
	case domain.Status:
		return string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
