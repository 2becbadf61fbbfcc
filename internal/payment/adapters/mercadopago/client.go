package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/netbill/internal/clock"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/observability/tracing"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"github.com/smallbiznis/netbill/internal/payment/reference"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultAPIURL  = "https://api.mercadopago.com"
	defaultTimeout = 10 * time.Second

	webhookPath = "/payments/mercadopago/webhook"
)

type Config struct {
	AccessToken string
	APIURL      string
	Timeout     time.Duration
	// BaseURL is the public origin of this service, used for callbacks.
	BaseURL string
}

type Params struct {
	fx.In

	Cfg      config.Config
	Payments *config.PaymentsConfigHolder `optional:"true"`
	Clock    clock.Clock
	Log      *zap.Logger
}

// Client talks to the MercadoPago REST API. Calls are bounded by the
// configured timeout and never retried.
type Client struct {
	cfg      Config
	payments *config.PaymentsConfigHolder
	clock    clock.Clock
	http     *http.Client
	log      *zap.Logger
}

func New(p Params) domain.Gateway {
	return NewClient(Config{
		AccessToken: p.Cfg.MercadoPago.AccessToken,
		APIURL:      p.Cfg.MercadoPago.APIURL,
		Timeout:     p.Cfg.MercadoPago.Timeout,
		BaseURL:     p.Cfg.Payment.BaseURL,
	}, p.Payments, p.Clock, nil, p.Log)
}

func NewClient(cfg Config, payments *config.PaymentsConfigHolder, clk clock.Clock, httpClient *http.Client, log *zap.Logger) *Client {
	cfg.AccessToken = strings.TrimSpace(cfg.AccessToken)
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient = tracing.WrapHTTPClient(httpClient)
	httpClient.Timeout = cfg.Timeout
	if clk == nil {
		clk = &clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		cfg:      cfg,
		payments: payments,
		clock:    clk,
		http:     httpClient,
		log:      log.Named("payment.mercadopago"),
	}
}

type preferenceItem struct {
	ID          string  `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	CurrencyID  string  `json:"currency_id"`
}

type preferencePayer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type preferenceBackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type preferenceBody struct {
	Items               []preferenceItem   `json:"items"`
	Payer               *preferencePayer   `json:"payer,omitempty"`
	ExternalReference   string             `json:"external_reference"`
	NotificationURL     string             `json:"notification_url,omitempty"`
	BackURLs            preferenceBackURLs `json:"back_urls"`
	AutoReturn          string             `json:"auto_return,omitempty"`
	StatementDescriptor string             `json:"statement_descriptor,omitempty"`
	Metadata            map[string]any     `json:"metadata"`
	Expires             bool               `json:"expires,omitempty"`
	ExpirationDateTo    string             `json:"expiration_date_to,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type paymentResponse struct {
	ID                json.Number    `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	ExternalReference string         `json:"external_reference"`
	TransactionAmount float64        `json:"transaction_amount"`
	Metadata          map[string]any `json:"metadata"`
	DateCreated       string         `json:"date_created"`
}

type searchResponse struct {
	Results []paymentResponse `json:"results"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// CreatePreference opens a checkout for one service payment.
func (c *Client) CreatePreference(ctx context.Context, req domain.PreferenceRequest) (*domain.Preference, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.CustomerID <= 0 || req.ServiceID <= 0 {
		return nil, domain.ErrInvalidPayload
	}

	tuning := c.payments.Get()
	ref := reference.EncodeAt(req.CustomerID, req.ServiceID, c.clock.Now())

	title := strings.TrimSpace(req.Description)
	if title == "" {
		title = tuning.DefaultItemTitle
	}

	body := preferenceBody{
		Items: []preferenceItem{{
			ID:         strconv.FormatInt(req.ServiceID, 10),
			Title:      title,
			Quantity:   1,
			UnitPrice:  req.Amount,
			CurrencyID: tuning.CurrencyID,
		}},
		ExternalReference: ref,
		BackURLs: preferenceBackURLs{
			Success: c.absoluteURL(tuning.BackURLs.Success),
			Failure: c.absoluteURL(tuning.BackURLs.Failure),
			Pending: c.absoluteURL(tuning.BackURLs.Pending),
		},
		AutoReturn:          tuning.AutoReturn,
		StatementDescriptor: tuning.StatementDescriptor,
		Metadata: map[string]any{
			"customer_id": req.CustomerID,
			"service_id":  req.ServiceID,
		},
	}
	if c.cfg.BaseURL != "" {
		body.NotificationURL = c.cfg.BaseURL + webhookPath
	}
	if req.PayerEmail != "" || req.PayerName != "" {
		body.Payer = &preferencePayer{Name: req.PayerName, Email: req.PayerEmail}
	}
	if tuning.ExpirationMinutes > 0 {
		body.Expires = true
		body.ExpirationDateTo = c.clock.Now().Add(time.Duration(tuning.ExpirationMinutes) * time.Minute).Format("2006-01-02T15:04:05.000-07:00")
	}

	var resp preferenceResponse
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", body, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return nil, fmt.Errorf("%w: preference response without id", domain.ErrGatewayTransport)
	}

	c.log.Info("preference created",
		zap.String("preference_id", resp.ID),
		zap.String("external_reference", ref),
		zap.Int64("customer_id", req.CustomerID),
		zap.Int64("service_id", req.ServiceID),
	)

	return &domain.Preference{
		PreferenceID:  resp.ID,
		CheckoutURL:   resp.InitPoint,
		SandboxURL:    resp.SandboxInitPoint,
		TransactionID: ref,
	}, nil
}

// FetchPayment reads one payment by its gateway id.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*domain.GatewayPayment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, domain.ErrInvalidPayload
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(), nil
}

// SearchByExternalReference returns the most recent settled payment carrying
// ref, falling back to the most recent attempt. It returns nil when the
// gateway has none.
func (c *Client) SearchByExternalReference(ctx context.Context, ref string) (*domain.GatewayPayment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.ErrInvalidReference
	}

	query := url.Values{}
	query.Set("external_reference", ref)
	query.Set("sort", "date_created")
	query.Set("criteria", "desc")

	var resp searchResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	for _, result := range resp.Results {
		if MapStatus(result.Status).Settled() {
			return result.toDomain(), nil
		}
	}
	return resp.Results[0].toDomain(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.cfg.AccessToken == "" {
		return domain.ErrGatewayNotConfigured
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrGatewayTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var gatewayErr errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&gatewayErr)
		message := strings.TrimSpace(gatewayErr.Message)
		if message == "" {
			message = strings.TrimSpace(gatewayErr.Error)
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: %s %s returned %d: %s", domain.ErrGatewayTransport, method, pathOnly(path), resp.StatusCode, message)
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrGatewayTransport, err)
	}
	return nil
}

func (c *Client) absoluteURL(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.cfg.BaseURL + path
}

func pathOnly(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}
	return path
}

func (p paymentResponse) toDomain() *domain.GatewayPayment {
	out := &domain.GatewayPayment{
		ID:                p.ID.String(),
		Status:            strings.TrimSpace(p.Status),
		StatusDetail:      strings.TrimSpace(p.StatusDetail),
		ExternalReference: strings.TrimSpace(p.ExternalReference),
		Amount:            p.TransactionAmount,
		CustomerID:        readMetadataID(p.Metadata, "customer_id"),
		ServiceID:         readMetadataID(p.Metadata, "service_id"),
	}
	if created, err := time.Parse(time.RFC3339, strings.TrimSpace(p.DateCreated)); err == nil {
		out.DateCreated = &created
	}
	return out
}

func readMetadataID(metadata map[string]any, key string) int64 {
	if metadata == nil {
		return 0
	}
	value, ok := metadata[key]
	if !ok {
		return 0
	}
	var raw string
	switch cast := value.(type) {
	case string:
		raw = strings.TrimSpace(cast)
	case json.Number:
		raw = cast.String()
	case float64:
		return int64(cast)
	default:
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
			return int64(f)
		}
		return 0
	}
	return id
}

var _ domain.Gateway = (*Client)(nil)
