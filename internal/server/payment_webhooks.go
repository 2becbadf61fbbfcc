package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/netbill/internal/observability/logger"
	"github.com/smallbiznis/netbill/internal/payment/adapters/mercadopago"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook records a signed payment notification. Replays return
// the already stored payment with 200.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil || len(body) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.ProcessRawWebhook(c.Request.Context(), body)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(logger.TransactionIDKey, payment.TransactionID)
	c.JSON(http.StatusOK, payment)
}

// HandleGatewayWebhook always acknowledges the delivery so the gateway stops
// retrying. Failures are logged only.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		body = nil
	}

	ctx := c.Request.Context()
	notification := mercadopago.ParseNotification(body, c.Request.URL.Query())
	payment, err := s.paymentSvc.ProcessGatewayNotification(ctx, notification)
	switch {
	case err == nil:
		c.Set(logger.TransactionIDKey, payment.TransactionID)
	case errors.Is(err, domain.ErrEventIgnored):
	default:
		logger.FromContext(ctx).Error("gateway webhook processing failed",
			zap.String("type", notification.Type),
			zap.String("data_id", notification.DataID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
