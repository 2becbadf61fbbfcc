package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/netbill/internal/clock"
	customerrepo "github.com/smallbiznis/netbill/internal/customer/repository"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"github.com/smallbiznis/netbill/internal/payment/domain/mock"
	paymentrepo "github.com/smallbiznis/netbill/internal/payment/repository"
	servicerepo "github.com/smallbiznis/netbill/internal/serviceplan/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
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
		`INSERT INTO customers (id, full_name) VALUES (7, 'Ana Torres')`,
		`INSERT INTO services (id, customer_id, plan_name) VALUES (3, 7, 'Fibra 300')`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return db
}

func newLedger(t *testing.T, db *gorm.DB, repo domain.Repository, publisher domain.EventPublisher) *Ledger {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	if repo == nil {
		repo = paymentrepo.Provide()
	}
	return New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clock.NewFakeClock(now),
		Repo:      repo,
		Customers: customerrepo.Provide(),
		Services:  servicerepo.Provide(),
		Publisher: publisher,
	})
}

func payload(txID string) domain.WebhookPayload {
	return domain.WebhookPayload{
		TransactionID: txID,
		Status:        domain.StatusCompleted,
		Amount:        25000,
		CustomerID:    7,
		ServiceID:     3,
		Timestamp:     "2024-05-01T11:59:00Z",
	}
}

func countPayments(t *testing.T, db *gorm.DB, txID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM payments WHERE transaction_id = ?`, txID).Scan(&count).Error)
	return count
}

func TestRecordPaymentCreatesRow(t *testing.T) {
	db := setupTestDB(t)
	ledger := newLedger(t, db, nil, nil)

	payment, created, err := ledger.RecordPayment(context.Background(), domain.RecordRequest{
		Payload:           payload("tx-1"),
		Source:            domain.SourceWebhook,
		ExternalReference: "cli-7-srv-3-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StatusCompleted, payment.Status)
	require.NotNil(t, payment.ProcessedAt)
	assert.True(t, payment.ProcessedAt.Equal(now))
	assert.Equal(t, int64(1), countPayments(t, db, "tx-1"))

	stored, err := paymentrepo.Provide().FindByTransactionID(context.Background(), db, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, payment.ID, stored.ID)
	assert.Equal(t, 25000.0, stored.Amount)
	assert.Equal(t, domain.SourceWebhook, stored.Source)
	require.NotNil(t, stored.ExternalReference)
	assert.Equal(t, "cli-7-srv-3-1", *stored.ExternalReference)
}

func TestRecordPaymentIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ledger := newLedger(t, db, nil, nil)
	ctx := context.Background()

	first, created, err := ledger.RecordPayment(ctx, domain.RecordRequest{Payload: payload("tx-dup"), Source: domain.SourceWebhook})
	require.NoError(t, err)
	require.True(t, created)

	again := payload("tx-dup")
	again.Amount = 99999
	again.Status = domain.StatusRejected
	second, created, err := ledger.RecordPayment(ctx, domain.RecordRequest{Payload: again, Source: domain.SourceWebhook})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.StatusCompleted, second.Status)
	assert.Equal(t, 25000.0, second.Amount)
	assert.Equal(t, int64(1), countPayments(t, db, "tx-dup"))
}

func TestRecordPaymentConcurrentDeliveries(t *testing.T) {
	db := setupTestDB(t)
	ledger := newLedger(t, db, nil, nil)

	const workers = 8
	var (
		wg      sync.WaitGroup
		created int32
		ids     = make([]snowflake.ID, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payment, isNew, err := ledger.RecordPayment(context.Background(), domain.RecordRequest{
				Payload: payload("tx-race"),
				Source:  domain.SourceWebhook,
			})
			errs[i] = err
			if err != nil {
				return
			}
			ids[i] = payment.ID
			if isNew {
				atomic.AddInt32(&created, 1)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, int32(1), created)
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int64(1), countPayments(t, db, "tx-race"))
}

// staleRepo misses the first existence check, as a concurrent writer would
// observe before the other transaction commits.
type staleRepo struct {
	domain.Repository
	misses int32
}

func (r *staleRepo) FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Payment, error) {
	if atomic.AddInt32(&r.misses, 1) == 1 {
		return nil, nil
	}
	return r.Repository.FindByTransactionID(ctx, db, transactionID)
}

func TestRecordPaymentDuplicateKeyReturnsExisting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	winner, _, err := newLedger(t, db, nil, nil).RecordPayment(ctx, domain.RecordRequest{Payload: payload("tx-conflict"), Source: domain.SourceWebhook})
	require.NoError(t, err)

	loser := newLedger(t, db, &staleRepo{Repository: paymentrepo.Provide()}, nil)
	got, created, err := loser.RecordPayment(ctx, domain.RecordRequest{Payload: payload("tx-conflict"), Source: domain.SourceGatewayWebhook})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, int64(1), countPayments(t, db, "tx-conflict"))
}

func TestRecordPaymentMissingReferencesWriteNothing(t *testing.T) {
	db := setupTestDB(t)
	ledger := newLedger(t, db, nil, nil)
	ctx := context.Background()

	noCustomer := payload("tx-no-customer")
	noCustomer.CustomerID = 404
	_, _, err := ledger.RecordPayment(ctx, domain.RecordRequest{Payload: noCustomer, Source: domain.SourceWebhook})
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
	assert.True(t, IsReferentialError(err))
	assert.Zero(t, countPayments(t, db, "tx-no-customer"))

	noService := payload("tx-no-service")
	noService.ServiceID = 404
	_, _, err = ledger.RecordPayment(ctx, domain.RecordRequest{Payload: noService, Source: domain.SourceWebhook})
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
	assert.Zero(t, countPayments(t, db, "tx-no-service"))
}

func TestRecordPaymentRejectsInvalidInput(t *testing.T) {
	db := setupTestDB(t)
	ledger := newLedger(t, db, nil, nil)
	ctx := context.Background()

	zeroAmount := payload("tx-zero")
	zeroAmount.Amount = 0
	_, _, err := ledger.RecordPayment(ctx, domain.RecordRequest{Payload: zeroAmount})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	blank := payload("  ")
	_, _, err = ledger.RecordPayment(ctx, domain.RecordRequest{Payload: blank})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	badStatus := payload("tx-status")
	badStatus.Status = "settled"
	_, _, err = ledger.RecordPayment(ctx, domain.RecordRequest{Payload: badStatus})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

type failingInsertRepo struct {
	domain.Repository
}

func (failingInsertRepo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return errors.New("disk full")
}

func TestRecordPaymentRollsBackOnInsertFailure(t *testing.T) {
	db := setupTestDB(t)
	ctrl := gomock.NewController(t)
	publisher := mock.NewMockEventPublisher(ctrl)
	publisher.EXPECT().PublishPaymentRecorded(gomock.Any(), gomock.Any()).Times(0)

	ledger := newLedger(t, db, failingInsertRepo{Repository: paymentrepo.Provide()}, publisher)
	_, created, err := ledger.RecordPayment(context.Background(), domain.RecordRequest{Payload: payload("tx-fail"), Source: domain.SourceWebhook})
	require.Error(t, err)
	assert.False(t, created)
	assert.Zero(t, countPayments(t, db, "tx-fail"))
}

func TestRecordPaymentPublishesOnlyNewRows(t *testing.T) {
	db := setupTestDB(t)
	ctrl := gomock.NewController(t)
	publisher := mock.NewMockEventPublisher(ctrl)
	publisher.EXPECT().
		PublishPaymentRecorded(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p *domain.Payment) error {
			assert.Equal(t, "tx-event", p.TransactionID)
			return errors.New("broker unavailable")
		}).
		Times(1)

	ledger := newLedger(t, db, nil, publisher)
	ctx := context.Background()

	_, created, err := ledger.RecordPayment(ctx, domain.RecordRequest{Payload: payload("tx-event"), Source: domain.SourceWebhook})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = ledger.RecordPayment(ctx, domain.RecordRequest{Payload: payload("tx-event"), Source: domain.SourceWebhook})
	require.NoError(t, err)
	assert.False(t, created)
}
