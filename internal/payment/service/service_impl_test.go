package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/netbill/internal/clock"
	customerrepo "github.com/smallbiznis/netbill/internal/customer/repository"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"github.com/smallbiznis/netbill/internal/payment/domain/mock"
	"github.com/smallbiznis/netbill/internal/payment/ledger"
	paymentrepo "github.com/smallbiznis/netbill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/netbill/internal/payment/service"
	"github.com/smallbiznis/netbill/internal/payment/signature"
	servicerepo "github.com/smallbiznis/netbill/internal/serviceplan/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const secret = "whsec_netbill"

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	gateway *mock.MockGateway
	svc     *paymentservice.Service
	signer  *signature.Verifier
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:payment_service_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	stmts := []string{
		`CREATE TABLE customers (
			id INTEGER PRIMARY KEY,
			full_name TEXT NOT NULL,
			document_number TEXT,
			email TEXT,
			phone TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE services (
			id INTEGER PRIMARY KEY,
			customer_id INTEGER NOT NULL,
			plan_name TEXT NOT NULL,
			monthly_price NUMERIC NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE payments (
			id INTEGER PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			status TEXT NOT NULL,
			customer_id INTEGER NOT NULL,
			service_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			external_reference TEXT,
			processed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_payments_transaction_id ON payments (transaction_id)`,
		`INSERT INTO customers (id, full_name, email) VALUES (7, 'Ana Torres', 'ana@example.com')`,
		`INSERT INTO services (id, customer_id, plan_name, monthly_price) VALUES (3, 7, 'Fibra 300', 89900)`,
	}
	for _, stmt := range stmts {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	ctrl := gomock.NewController(t)
	gateway := mock.NewMockGateway(ctrl)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)
	verifier := signature.NewVerifier(secret, false, zap.NewNop())

	l := ledger.New(ledger.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      paymentrepo.Provide(),
		Customers: customerrepo.Provide(),
		Services:  servicerepo.Provide(),
	})
	svc := paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clk,
		Verifier:  verifier,
		Recorder:  l,
		Repo:      paymentrepo.Provide(),
		Customers: customerrepo.Provide(),
		Services:  servicerepo.Provide(),
		Gateway:   gateway,
	})
	return &fixture{db: db, gateway: gateway, svc: svc, signer: verifier}
}

func (f *fixture) signed(p domain.WebhookPayload) domain.WebhookPayload {
	p.Signature = f.signer.Sign(p.Fields())
	return p
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM payments`).Scan(&n).Error)
	return n
}

func webhook(txID string) domain.WebhookPayload {
	return domain.WebhookPayload{
		TransactionID: txID,
		Status:        domain.StatusCompleted,
		Amount:        25000,
		CustomerID:    7,
		ServiceID:     3,
		Timestamp:     "2024-05-01T11:59:00Z",
	}
}

func TestWebhookWithValidSignatureIsRecorded(t *testing.T) {
	f := newFixture(t)

	payment, err := f.svc.ProcessWebhook(context.Background(), f.signed(webhook("tx-a")))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, payment.Status)
	assert.Equal(t, 25000.0, payment.Amount)
	require.NotNil(t, payment.ProcessedAt)
	assert.True(t, payment.ProcessedAt.Equal(now))
	assert.Equal(t, int64(1), f.count(t))
}

func TestReplayedWebhookReturnsSamePayment(t *testing.T) {
	f := newFixture(t)
	body := f.signed(webhook("tx-b"))

	first, err := f.svc.ProcessWebhook(context.Background(), body)
	require.NoError(t, err)
	second, err := f.svc.ProcessWebhook(context.Background(), body)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, int64(1), f.count(t))
}

func TestTamperedWebhookIsRejected(t *testing.T) {
	f := newFixture(t)
	body := f.signed(webhook("tx-c"))
	body.Amount = 1

	_, err := f.svc.ProcessWebhook(context.Background(), body)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Zero(t, f.count(t))
}

func TestWebhookValidation(t *testing.T) {
	f := newFixture(t)

	zero := webhook("tx-zero")
	zero.Amount = 0
	_, err := f.svc.ProcessWebhook(context.Background(), f.signed(zero))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	badTime := webhook("tx-time")
	badTime.Timestamp = "yesterday"
	_, err = f.svc.ProcessWebhook(context.Background(), f.signed(badTime))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	missingCustomer := webhook("tx-missing-customer")
	missingCustomer.CustomerID = 404
	_, err = f.svc.ProcessWebhook(context.Background(), f.signed(missingCustomer))
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)

	assert.Zero(t, f.count(t))
}

func TestProcessRawWebhookVerifiesDeliveredFields(t *testing.T) {
	f := newFixture(t)
	fields := map[string]any{
		"transactionId": "tx-raw",
		"status":        "approved",
		"amount":        25000.5,
		"customerId":    7,
		"serviceId":     3,
		"timestamp":     "2024-05-01T11:59:00Z",
	}
	sig := signature.ComputeSignature(signature.Canonicalize(fields), secret)
	body := []byte(fmt.Sprintf(`{"serviceId":3,"customerId":7,"amount":25000.5,"status":"approved","timestamp":"2024-05-01T11:59:00Z","transactionId":"tx-raw","signature":"%s"}`, sig))

	payment, err := f.svc.ProcessRawWebhook(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, payment.Status)
	assert.Equal(t, 25000.5, payment.Amount)

	_, err = f.svc.ProcessRawWebhook(context.Background(), []byte(`{"transactionId":`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestCheckStatusBackfillsApprovedGatewayPayment(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	ref := "cli-7-srv-3-1714561200000"

	f.gateway.EXPECT().
		SearchByExternalReference(gomock.Any(), ref).
		Return(&domain.GatewayPayment{
			ID:                "987",
			Status:            "approved",
			ExternalReference: ref,
			Amount:            89900,
			CustomerID:        7,
			ServiceID:         3,
			DateCreated:       &created,
		}, nil).
		Times(1)

	payment, err := f.svc.CheckStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "987", payment.TransactionID)
	require.NotNil(t, payment.ExternalReference)
	assert.Equal(t, ref, *payment.ExternalReference)
	assert.Equal(t, domain.StatusCompleted, payment.Status)
	assert.Equal(t, domain.SourceBackfill, payment.Source)
	assert.Equal(t, int64(1), f.count(t))

	again, err := f.svc.CheckStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, again.ID)
}

func TestCheckStatusCollapsesGatewayFailuresToNotFound(t *testing.T) {
	f := newFixture(t)
	f.gateway.EXPECT().
		SearchByExternalReference(gomock.Any(), "tx-unknown").
		Return(nil, fmt.Errorf("%w: timeout", domain.ErrGatewayTransport))

	_, err := f.svc.CheckStatus(context.Background(), "tx-unknown")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.False(t, errors.Is(err, domain.ErrGatewayTransport))
}

func TestCheckStatusDoesNotBackfillPendingPayments(t *testing.T) {
	f := newFixture(t)
	f.gateway.EXPECT().
		SearchByExternalReference(gomock.Any(), "cli-7-srv-3-1").
		Return(&domain.GatewayPayment{ID: "1", Status: "in_process", ExternalReference: "cli-7-srv-3-1", Amount: 10}, nil)

	_, err := f.svc.CheckStatus(context.Background(), "cli-7-srv-3-1")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.Zero(t, f.count(t))
}

func TestNonPaymentNotificationIsIgnored(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessGatewayNotification(context.Background(), domain.NewNotification("merchant_order", "55"))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)
	assert.Zero(t, f.count(t))
}

func TestPaymentNotificationUsesReferenceFallback(t *testing.T) {
	f := newFixture(t)
	ref := "cli-7-srv-3-1714561200000"
	f.gateway.EXPECT().
		FetchPayment(gomock.Any(), "123").
		Return(&domain.GatewayPayment{ID: "123", Status: "authorized", ExternalReference: ref, Amount: 89900}, nil)

	payment, err := f.svc.ProcessGatewayNotification(context.Background(), domain.NewNotification("payment", "123"))
	require.NoError(t, err)
	assert.Equal(t, "123", payment.TransactionID)
	require.NotNil(t, payment.ExternalReference)
	assert.Equal(t, ref, *payment.ExternalReference)
	assert.Equal(t, domain.StatusApproved, payment.Status)
	assert.Equal(t, domain.SourceGatewayWebhook, payment.Source)
	assert.Equal(t, int64(7), payment.CustomerID)
	assert.Equal(t, int64(3), payment.ServiceID)
}

func TestRetriedAttemptUnderSameReferenceIsRecorded(t *testing.T) {
	f := newFixture(t)
	ref := "cli-7-srv-3-1714561200000"
	f.gateway.EXPECT().
		FetchPayment(gomock.Any(), "901").
		Return(&domain.GatewayPayment{ID: "901", Status: "rejected", ExternalReference: ref, Amount: 89900}, nil)
	f.gateway.EXPECT().
		FetchPayment(gomock.Any(), "902").
		Return(&domain.GatewayPayment{ID: "902", Status: "approved", ExternalReference: ref, Amount: 89900}, nil)

	first, err := f.svc.ProcessGatewayNotification(context.Background(), domain.NewNotification("payment", "901"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, first.Status)

	second, err := f.svc.ProcessGatewayNotification(context.Background(), domain.NewNotification("payment", "902"))
	require.NoError(t, err)
	assert.Equal(t, "902", second.TransactionID)
	assert.Equal(t, domain.StatusCompleted, second.Status)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(2), f.count(t))

	status, err := f.svc.CheckStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "902", status.TransactionID)
	assert.Equal(t, domain.StatusCompleted, status.Status)
}

func TestCheckStatusBackfillsApprovedRetryOverRejectedRow(t *testing.T) {
	f := newFixture(t)
	ref := "cli-7-srv-3-1714561200001"
	f.gateway.EXPECT().
		FetchPayment(gomock.Any(), "911").
		Return(&domain.GatewayPayment{ID: "911", Status: "rejected", ExternalReference: ref, Amount: 89900}, nil)
	f.gateway.EXPECT().
		SearchByExternalReference(gomock.Any(), ref).
		Return(&domain.GatewayPayment{ID: "912", Status: "approved", ExternalReference: ref, Amount: 89900}, nil).
		Times(1)

	_, err := f.svc.ProcessGatewayNotification(context.Background(), domain.NewNotification("payment", "911"))
	require.NoError(t, err)

	payment, err := f.svc.CheckStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "912", payment.TransactionID)
	assert.Equal(t, domain.StatusCompleted, payment.Status)
	assert.Equal(t, domain.SourceBackfill, payment.Source)
	assert.Equal(t, int64(2), f.count(t))

	again, err := f.svc.CheckStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, again.ID)
}

func TestCheckStatusKeepsLocalRowWhenGatewayFails(t *testing.T) {
	f := newFixture(t)
	ref := "cli-7-srv-3-1714561200002"
	f.gateway.EXPECT().
		FetchPayment(gomock.Any(), "921").
		Return(&domain.GatewayPayment{ID: "921", Status: "in_process", ExternalReference: ref, Amount: 89900}, nil)
	f.gateway.EXPECT().
		SearchByExternalReference(gomock.Any(), ref).
		Return(nil, fmt.Errorf("%w: timeout", domain.ErrGatewayTransport))

	_, err := f.svc.ProcessGatewayNotification(context.Background(), domain.NewNotification("payment", "921"))
	require.NoError(t, err)

	payment, err := f.svc.CheckStatus(context.Background(), "921")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, payment.Status)
}

func TestPaymentNotificationWithoutReferencesIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.gateway.EXPECT().
		FetchPayment(gomock.Any(), "124").
		Return(&domain.GatewayPayment{ID: "124", Status: "approved", ExternalReference: "order-9", Amount: 100}, nil)

	_, err := f.svc.ProcessGatewayNotification(context.Background(), domain.NewNotification("payment", "124"))
	assert.ErrorIs(t, err, domain.ErrMissingReferences)
	assert.Zero(t, f.count(t))
}

func TestCheckGatewayReferenceSwallowsBackfillFailure(t *testing.T) {
	f := newFixture(t)
	ref := "cli-404-srv-3-1"
	f.gateway.EXPECT().
		SearchByExternalReference(gomock.Any(), ref).
		Return(&domain.GatewayPayment{ID: "77", Status: "approved", ExternalReference: ref, Amount: 500}, nil).
		Times(1)

	status, err := f.svc.CheckGatewayReference(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "approved", status.Status)
	assert.Equal(t, domain.StatusCompleted, status.InternalStatus)
	assert.Equal(t, "77", status.PaymentID)
	assert.Equal(t, ref, status.Reference)
	assert.Zero(t, f.count(t))

	cached, err := f.svc.CheckGatewayReference(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, status.PaymentID, cached.PaymentID)
}

func TestCheckGatewayReferenceBackfills(t *testing.T) {
	f := newFixture(t)
	ref := "cli-7-srv-3-2"
	f.gateway.EXPECT().
		SearchByExternalReference(gomock.Any(), ref).
		Return(&domain.GatewayPayment{ID: "78", Status: "approved", ExternalReference: ref, Amount: 500}, nil)

	_, err := f.svc.CheckGatewayReference(context.Background(), ref)
	require.NoError(t, err)

	payment, err := f.svc.GetPayment(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceBackfill, payment.Source)
}

func TestCheckGatewayReferenceRequiresReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckGatewayReference(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
}

func TestCreatePreferenceDefaultsToServicePrice(t *testing.T) {
	f := newFixture(t)
	f.gateway.EXPECT().
		CreatePreference(gomock.Any(), domain.PreferenceRequest{
			CustomerID:  7,
			ServiceID:   3,
			Amount:      89900,
			Description: "Fibra 300",
			PayerEmail:  "ana@example.com",
			PayerName:   "Ana Torres",
		}).
		Return(&domain.Preference{PreferenceID: "pref-1", TransactionID: "cli-7-srv-3-1"}, nil)

	pref, err := f.svc.CreatePreference(context.Background(), paymentservice.CreatePreferenceRequest{CustomerID: 7, ServiceID: 3})
	require.NoError(t, err)
	assert.Equal(t, "pref-1", pref.PreferenceID)
}

func TestCreatePreferenceValidatesReferences(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePreference(context.Background(), paymentservice.CreatePreferenceRequest{CustomerID: 404, ServiceID: 3})
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)

	_, err = f.svc.CreatePreference(context.Background(), paymentservice.CreatePreferenceRequest{CustomerID: 7, ServiceID: 404})
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}
