package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/netbill/internal/observability/logger"
	paymentservice "github.com/smallbiznis/netbill/internal/payment/service"
	"go.uber.org/zap"
)

func (s *Server) GetPaymentStatus(c *gin.Context) {
	transactionID := strings.TrimSpace(c.Param("transactionId"))
	if transactionID == "" {
		AbortWithError(c, newValidationError("transactionId", "required", "transactionId is required"))
		return
	}

	payment, err := s.paymentSvc.CheckStatus(c.Request.Context(), transactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(logger.TransactionIDKey, payment.TransactionID)
	c.JSON(http.StatusOK, payment)
}

func (s *Server) GetGatewayStatus(c *gin.Context) {
	ref := strings.TrimSpace(c.Query("reference"))
	if ref == "" {
		AbortWithError(c, newValidationError("reference", "required", "reference is required"))
		return
	}

	status, err := s.paymentSvc.CheckGatewayReference(c.Request.Context(), ref)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req paymentservice.CreatePreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	pref, err := s.paymentSvc.CreatePreference(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(ctx).Info("checkout preference created",
		zap.String("subject", subjectFromContext(c)),
		zap.String("preference_id", pref.PreferenceID),
		zap.String("transaction_id", pref.TransactionID),
	)
	c.Set(logger.TransactionIDKey, pref.TransactionID)
	c.JSON(http.StatusCreated, pref)
}
