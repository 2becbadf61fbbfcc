package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return db, mock
}

func TestFindByTransactionIDReturnsRow(t *testing.T) {
	db, mock := newMockDB(t)
	processed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "transaction_id", "amount", "status", "customer_id", "service_id",
		"source", "external_reference", "processed_at", "created_at", "updated_at",
	}).AddRow(int64(99), "tx-1", 25000.0, "completed", int64(7), int64(3), "webhook", nil, processed, processed, processed)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM payments`)).
		WithArgs("tx-1").
		WillReturnRows(rows)

	got, err := Provide().FindByTransactionID(context.Background(), db, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tx-1", got.TransactionID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Nil(t, got.ExternalReference)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByTransactionIDMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM payments`)).
		WithArgs("tx-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := Provide().FindByTransactionID(context.Background(), db, "tx-missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBindsAllColumns(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ref := "cli-7-srv-3-1"
	payment := &domain.Payment{
		ID:                1,
		TransactionID:     "tx-1",
		Amount:            25000,
		Status:            domain.StatusCompleted,
		CustomerID:        7,
		ServiceID:         3,
		Source:            domain.SourceBackfill,
		ExternalReference: &ref,
		ProcessedAt:       &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO payments`)).
		WithArgs(sqlmock.AnyArg(), "tx-1", 25000.0, sqlmock.AnyArg(), int64(7), int64(3), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, Provide().Insert(context.Background(), db, payment))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByExternalReferencePrefersSettledAttempt(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ref := "cli-7-srv-3-1714561200000"

	rows := sqlmock.NewRows([]string{
		"id", "transaction_id", "amount", "status", "customer_id", "service_id",
		"source", "external_reference", "processed_at", "created_at", "updated_at",
	}).AddRow(int64(100), "902", 89900.0, "approved", int64(7), int64(3), "gateway_webhook", ref, created, created, created)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY CASE WHEN status IN`)).
		WithArgs(ref, ref, "completed", "approved").
		WillReturnRows(rows)

	got, err := Provide().FindByExternalReference(context.Background(), db, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "902", got.TransactionID)
	require.NotNil(t, got.ExternalReference)
	assert.Equal(t, ref, *got.ExternalReference)
	require.NoError(t, mock.ExpectationsWereMet())
}
