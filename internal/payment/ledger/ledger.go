package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netbill/internal/clock"
	customerdomain "github.com/smallbiznis/netbill/internal/customer/domain"
	obsmetrics "github.com/smallbiznis/netbill/internal/observability/metrics"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	servicedomain "github.com/smallbiznis/netbill/internal/serviceplan/domain"
	"github.com/smallbiznis/netbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Customers  customerdomain.Repository
	Services   servicedomain.Repository
	Publisher  domain.EventPublisher `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

// Ledger is the only writer of payment rows. At most one row exists per
// transaction id.
type Ledger struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	customers  customerdomain.Repository
	services   servicedomain.Repository
	publisher  domain.EventPublisher
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Ledger {
	return &Ledger{
		db:         p.DB,
		log:        p.Log.Named("payment.ledger"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		customers:  p.Customers,
		services:   p.Services,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordPayment stores the payment described by req unless one already exists
// for its transaction id. The bool result is true only when a new row was
// committed.
func (l *Ledger) RecordPayment(ctx context.Context, req domain.RecordRequest) (*domain.Payment, bool, error) {
	payload := req.Payload
	transactionID := strings.TrimSpace(payload.TransactionID)
	if transactionID == "" {
		return nil, false, domain.ErrInvalidPayload
	}
	if payload.Amount <= 0 {
		return nil, false, domain.ErrInvalidAmount
	}
	if payload.CustomerID <= 0 || payload.ServiceID <= 0 || !payload.Status.Valid() {
		return nil, false, domain.ErrInvalidPayload
	}

	var (
		result  *domain.Payment
		created bool
	)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := l.repo.FindByTransactionID(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}

		customer, err := l.customers.FindByID(ctx, tx, payload.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return domain.ErrCustomerNotFound
		}
		service, err := l.services.FindByID(ctx, tx, payload.ServiceID)
		if err != nil {
			return err
		}
		if service == nil {
			return domain.ErrServiceNotFound
		}

		now := l.clock.Now()
		payment := &domain.Payment{
			ID:            l.genID.Generate(),
			TransactionID: transactionID,
			Amount:        payload.Amount,
			Status:        payload.Status,
			CustomerID:    payload.CustomerID,
			ServiceID:     payload.ServiceID,
			Source:        req.Source,
			ProcessedAt:   &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if ref := strings.TrimSpace(req.ExternalReference); ref != "" {
			payment.ExternalReference = &ref
		}
		if err := l.repo.Insert(ctx, tx, payment); err != nil {
			return err
		}
		result = payment
		created = true
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return l.loadAfterConflict(ctx, transactionID, err)
		}
		return nil, false, err
	}

	if !created {
		l.log.Info("duplicate payment ignored",
			zap.String("transaction_id", transactionID),
			zap.String("source", string(req.Source)),
		)
		return result, false, nil
	}

	l.log.Info("payment recorded",
		zap.String("transaction_id", transactionID),
		zap.String("payment_id", result.ID.String()),
		zap.String("status", string(result.Status)),
		zap.String("source", string(req.Source)),
	)
	l.obsMetrics.RecordPaymentRecorded(ctx, string(req.Source), string(result.Status))
	l.publish(ctx, result)

	return result, true, nil
}

// loadAfterConflict re-reads the row that won a concurrent insert. The read
// runs outside the failed transaction.
func (l *Ledger) loadAfterConflict(ctx context.Context, transactionID string, cause error) (*domain.Payment, bool, error) {
	existing, err := l.repo.FindByTransactionID(ctx, l.db, transactionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, cause
	}
	l.log.Info("concurrent duplicate payment collapsed",
		zap.String("transaction_id", transactionID),
	)
	return existing, false, nil
}

func (l *Ledger) publish(ctx context.Context, payment *domain.Payment) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishPaymentRecorded(ctx, payment); err != nil {
		l.log.Warn("failed to publish payment event",
			zap.String("transaction_id", payment.TransactionID),
			zap.Error(err),
		)
	}
}

// IsReferentialError reports whether err is a missing customer or service.
func IsReferentialError(err error) bool {
	return errors.Is(err, domain.ErrCustomerNotFound) || errors.Is(err, domain.ErrServiceNotFound)
}

var _ domain.Recorder = (*Ledger)(nil)
