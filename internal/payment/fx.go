package payment

import (
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/payment/adapters/mercadopago"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"github.com/smallbiznis/netbill/internal/payment/events"
	"github.com/smallbiznis/netbill/internal/payment/ledger"
	"github.com/smallbiznis/netbill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/netbill/internal/payment/service"
	"github.com/smallbiznis/netbill/internal/payment/signature"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config, log *zap.Logger) *signature.Verifier {
		return signature.NewVerifier(cfg.Payment.WebhookSecret, cfg.Payment.AllowUnsigned, log)
	}),
	fx.Provide(mercadopago.New),
	fx.Provide(events.Provide),
	fx.Provide(ledger.New),
	fx.Provide(func(l *ledger.Ledger) domain.Recorder { return l }),
	fx.Provide(paymentservice.NewService),
)
