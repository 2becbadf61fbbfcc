package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/netbill/internal/cache"
	"github.com/smallbiznis/netbill/internal/clock"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	obscontext "github.com/smallbiznis/netbill/internal/observability/context"
	obsmetrics "github.com/smallbiznis/netbill/internal/observability/metrics"
	"github.com/smallbiznis/netbill/internal/payment/adapters/mercadopago"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"github.com/smallbiznis/netbill/internal/payment/reference"
	"github.com/smallbiznis/netbill/internal/payment/signature"
	"github.com/smallbiznis/netbill/internal/ratelimit"
	servicedomain "github.com/smallbiznis/netbill/internal/serviceplan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	gatewayStatusTTL       = 5 * time.Second
	gatewayStatusCacheSize = 10000
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Verifier   *signature.Verifier
	Recorder   domain.Recorder
	Repo       domain.Repository
	Customers  customerdomain.Repository
	Services   servicedomain.Repository
	Gateway    domain.Gateway
	Locker     *ratelimit.WebhookLocker `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

// Service reconciles payments arriving from webhooks with the gateway's view
// and the local ledger.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	verifier   *signature.Verifier
	recorder   domain.Recorder
	repo       domain.Repository
	customers  customerdomain.Repository
	services   servicedomain.Repository
	gateway    domain.Gateway
	locker     *ratelimit.WebhookLocker
	obsMetrics *obsmetrics.Metrics
	validate   *validator.Validate
	statuses   cache.Cache[string, domain.GatewayStatus]
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		clock:      p.Clock,
		verifier:   p.Verifier,
		recorder:   p.Recorder,
		repo:       p.Repo,
		customers:  p.Customers,
		services:   p.Services,
		gateway:    p.Gateway,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		statuses:   cache.NewTTLCache[string, domain.GatewayStatus](gatewayStatusCacheSize),
	}
}

// ProcessWebhook verifies and records a typed webhook payload.
func (s *Service) ProcessWebhook(ctx context.Context, payload domain.WebhookPayload) (*domain.Payment, error) {
	return s.processWebhook(ctx, payload, payload.Fields(), domain.SourceWebhook, "")
}

// ProcessRawWebhook verifies the signature over the fields exactly as
// delivered, then records the payment.
func (s *Service) ProcessRawWebhook(ctx context.Context, body []byte) (*domain.Payment, error) {
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: malformed json", domain.ErrInvalidPayload)
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidPayload, describeDecodeError(err))
	}
	return s.processWebhook(ctx, payload, fields, domain.SourceWebhook, "")
}

func (s *Service) processWebhook(
	ctx context.Context,
	payload domain.WebhookPayload,
	signed map[string]any,
	source domain.Source,
	externalRef string,
) (*domain.Payment, error) {
	if err := s.verifier.Verify(signed, payload.Signature); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("transaction_id", payload.TransactionID),
			zap.String("source", string(source)),
			zap.Error(err),
		)
		s.obsMetrics.RecordWebhook(ctx, string(source), "rejected")
		return nil, err
	}
	if err := s.validatePayload(payload); err != nil {
		s.obsMetrics.RecordWebhook(ctx, string(source), "invalid")
		return nil, err
	}

	payment, created, err := s.record(ctx, payload, source, externalRef)
	if err != nil {
		s.obsMetrics.RecordWebhook(ctx, string(source), "failed")
		return nil, err
	}
	if created {
		s.obsMetrics.RecordWebhook(ctx, string(source), "recorded")
	} else {
		s.obsMetrics.RecordWebhook(ctx, string(source), "duplicate")
	}
	return payment, nil
}

func (s *Service) record(ctx context.Context, payload domain.WebhookPayload, source domain.Source, externalRef string) (*domain.Payment, bool, error) {
	ctx = obscontext.WithTransactionID(ctx, payload.TransactionID)
	release, _ := s.locker.Acquire(ctx, payload.TransactionID)
	defer release()

	return s.recorder.RecordPayment(ctx, domain.RecordRequest{
		Payload:           payload,
		Source:            source,
		ExternalReference: externalRef,
	})
}

func (s *Service) validatePayload(payload domain.WebhookPayload) error {
	if err := s.validate.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				if fe.Field() == "Amount" {
					return domain.ErrInvalidAmount
				}
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidPayload, describeValidation(fieldErrs))
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if _, err := time.Parse(time.RFC3339, payload.Timestamp); err != nil {
		return fmt.Errorf("%w: timestamp must be RFC3339", domain.ErrInvalidPayload)
	}
	return nil
}

// ProcessGatewayNotification handles a gateway webhook. Only payment
// notifications are acted upon; everything else is acknowledged and dropped.
func (s *Service) ProcessGatewayNotification(ctx context.Context, n domain.Notification) (*domain.Payment, error) {
	if n.Kind != domain.PaymentNotification {
		s.log.Info("gateway notification ignored",
			zap.String("type", n.Type),
			zap.String("data_id", n.DataID),
		)
		s.obsMetrics.RecordWebhook(ctx, string(domain.SourceGatewayWebhook), "ignored")
		return nil, domain.ErrEventIgnored
	}

	gp, err := s.gateway.FetchPayment(ctx, n.DataID)
	if err != nil {
		s.obsMetrics.RecordWebhook(ctx, string(domain.SourceGatewayWebhook), "failed")
		return nil, err
	}

	payload, err := s.payloadFromGateway(gp)
	if err != nil {
		s.log.Error("MISSING_REFS gateway payment has no customer or service reference",
			zap.String("payment_id", gp.ID),
			zap.String("external_reference", gp.ExternalReference),
		)
		s.obsMetrics.RecordWebhook(ctx, string(domain.SourceGatewayWebhook), "missing_refs")
		return nil, err
	}
	payload.Signature = s.verifier.Sign(payload.Fields())

	return s.processWebhook(ctx, payload, payload.Fields(), domain.SourceGatewayWebhook, gp.ExternalReference)
}

// payloadFromGateway derives customer and service ids from metadata first and
// from the external reference second.
func (s *Service) payloadFromGateway(gp *domain.GatewayPayment) (domain.WebhookPayload, error) {
	customerID := gp.CustomerID
	if customerID == 0 {
		customerID = reference.DecodeCustomerID(gp.ExternalReference)
	}
	serviceID := gp.ServiceID
	if serviceID == 0 {
		serviceID = reference.DecodeServiceID(gp.ExternalReference)
	}
	if customerID == 0 || serviceID == 0 {
		return domain.WebhookPayload{}, domain.ErrMissingReferences
	}

	// One checkout reference can carry several attempts, so rows are keyed
	// on the gateway payment id.
	transactionID := strings.TrimSpace(gp.ID)
	if transactionID == "" {
		transactionID = strings.TrimSpace(gp.ExternalReference)
	}
	stamp := s.clock.Now()
	if gp.DateCreated != nil {
		stamp = *gp.DateCreated
	}

	return domain.WebhookPayload{
		TransactionID: transactionID,
		Status:        mercadopago.MapStatus(gp.Status),
		Amount:        gp.Amount,
		CustomerID:    customerID,
		ServiceID:     serviceID,
		Timestamp:     stamp.UTC().Format(time.RFC3339),
	}, nil
}

// GetPayment reads the local ledger only. id may be a transaction id or a
// checkout reference; a settled attempt under the reference wins over an
// unsettled exact match.
func (s *Service) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrInvalidPayload
	}
	payment, err := s.repo.FindByTransactionID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if payment == nil || !payment.Status.Settled() {
		byRef, err := s.repo.FindByExternalReference(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if byRef != nil && (payment == nil || byRef.Status.Settled()) {
			payment = byRef
		}
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

// CheckStatus answers from the ledger when it holds a settled payment.
// Otherwise it asks the gateway and backfills a settled attempt the webhook
// never delivered. Gateway failures fall back to the local view.
func (s *Service) CheckStatus(ctx context.Context, id string) (*domain.Payment, error) {
	local, err := s.GetPayment(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, err
	}
	if local != nil && local.Status.Settled() {
		return local, nil
	}

	ref := strings.TrimSpace(id)
	if local != nil && local.ExternalReference != nil {
		ref = *local.ExternalReference
	}
	gp, err := s.gateway.SearchByExternalReference(ctx, ref)
	if err != nil {
		s.log.Warn("gateway lookup failed during status check",
			zap.String("transaction_id", id),
			zap.String("reference", ref),
			zap.Error(err),
		)
		return localOrNotFound(local)
	}
	if gp == nil || !mercadopago.MapStatus(gp.Status).Settled() {
		return localOrNotFound(local)
	}

	if _, err := s.backfill(ctx, gp); err != nil {
		if local != nil {
			s.log.Warn("backfill failed during status check",
				zap.String("transaction_id", id),
				zap.String("payment_id", gp.ID),
				zap.Error(err),
			)
			return local, nil
		}
		return nil, err
	}
	return s.GetPayment(ctx, id)
}

func localOrNotFound(p *domain.Payment) (*domain.Payment, error) {
	if p == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return p, nil
}

// CheckGatewayReference queries the gateway directly for ref. Settled
// payments are backfilled on a best-effort basis; a failed backfill is
// logged and the gateway view is still returned.
func (s *Service) CheckGatewayReference(ctx context.Context, ref string) (*domain.GatewayStatus, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.ErrInvalidReference
	}
	if cached, ok := s.statuses.Get(ref); ok {
		return &cached, nil
	}

	gp, err := s.gateway.SearchByExternalReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if gp == nil {
		return nil, domain.ErrPaymentNotFound
	}

	internal := mercadopago.MapStatus(gp.Status)
	if internal.Settled() {
		if _, err := s.backfill(ctx, gp); err != nil {
			s.log.Warn("best-effort backfill failed",
				zap.String("reference", ref),
				zap.String("payment_id", gp.ID),
				zap.Error(err),
			)
		}
	}

	status := domain.GatewayStatus{
		Status:         gp.Status,
		InternalStatus: internal,
		PaymentID:      gp.ID,
		Reference:      ref,
		Amount:         gp.Amount,
	}
	s.statuses.Set(ref, status, gatewayStatusTTL)
	return &status, nil
}

func (s *Service) backfill(ctx context.Context, gp *domain.GatewayPayment) (*domain.Payment, error) {
	payload, err := s.payloadFromGateway(gp)
	if err != nil {
		s.obsMetrics.RecordBackfill(ctx, "missing_refs")
		return nil, err
	}
	if err := s.validatePayload(payload); err != nil {
		s.obsMetrics.RecordBackfill(ctx, "invalid")
		return nil, err
	}

	if ref := strings.TrimSpace(gp.ExternalReference); ref != "" {
		existing, err := s.repo.FindByExternalReference(ctx, s.db, ref)
		if err != nil {
			s.obsMetrics.RecordBackfill(ctx, "failed")
			return nil, err
		}
		if existing != nil && existing.Status.Settled() {
			s.obsMetrics.RecordBackfill(ctx, "duplicate")
			return existing, nil
		}
	}

	payment, created, err := s.record(ctx, payload, domain.SourceBackfill, gp.ExternalReference)
	if err != nil {
		s.obsMetrics.RecordBackfill(ctx, "failed")
		return nil, err
	}
	if created {
		s.log.Info("payment backfilled from gateway",
			zap.String("transaction_id", payment.TransactionID),
			zap.String("gateway_payment_id", gp.ID),
		)
		s.obsMetrics.RecordBackfill(ctx, "recorded")
	} else {
		s.obsMetrics.RecordBackfill(ctx, "duplicate")
	}
	return payment, nil
}

type CreatePreferenceRequest struct {
	CustomerID  int64   `json:"customerId" binding:"required,gt=0"`
	ServiceID   int64   `json:"serviceId" binding:"required,gt=0"`
	Amount      float64 `json:"amount" binding:"omitempty,gt=0"`
	Description string  `json:"description"`
}

// CreatePreference opens a gateway checkout after confirming the customer and
// service exist. Amount defaults to the service's monthly price.
func (s *Service) CreatePreference(ctx context.Context, req CreatePreferenceRequest) (*domain.Preference, error) {
	customer, err := s.customers.FindByID(ctx, s.db, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, domain.ErrCustomerNotFound
	}
	service, err := s.services.FindByID(ctx, s.db, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if service == nil {
		return nil, domain.ErrServiceNotFound
	}

	amount := req.Amount
	if amount <= 0 {
		amount = service.MonthlyPrice
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = service.PlanName
	}

	return s.gateway.CreatePreference(ctx, domain.PreferenceRequest{
		CustomerID:  customer.ID,
		ServiceID:   service.ID,
		Amount:      amount,
		Description: description,
		PayerEmail:  customer.Email,
		PayerName:   customer.FullName,
	})
}

func describeValidation(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s must be %s", typeErr.Field, typeErr.Type.String())
	}
	return "malformed json"
}
