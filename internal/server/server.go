package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/smallbiznis/netbill/internal/observability"
	obsmiddleware "github.com/smallbiznis/netbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/netbill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/netbill/internal/observability/tracing"
	"github.com/smallbiznis/netbill/internal/payment/domain"
	paymentservice "github.com/smallbiznis/netbill/internal/payment/service"
	"github.com/smallbiznis/netbill/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(func(svc *paymentservice.Service) PaymentService { return svc }),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

// PaymentService is the slice of the reconciler the HTTP layer drives.
type PaymentService interface {
	ProcessRawWebhook(ctx context.Context, body []byte) (*domain.Payment, error)
	ProcessGatewayNotification(ctx context.Context, n domain.Notification) (*domain.Payment, error)
	CheckStatus(ctx context.Context, transactionID string) (*domain.Payment, error)
	CheckGatewayReference(ctx context.Context, ref string) (*domain.GatewayStatus, error)
	CreatePreference(ctx context.Context, req paymentservice.CreatePreferenceRequest) (*domain.Preference, error)
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RunHTTP binds the engine to the configured address for the lifetime of the
// fx application.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	paymentSvc    PaymentService
	statusLimiter *ratelimit.PublicStatusLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	PaymentSvc    PaymentService
	StatusLimiter *ratelimit.PublicStatusLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics            `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		paymentSvc:    p.PaymentSvc,
		statusLimiter: p.StatusLimiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerPaymentRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPaymentRoutes() {
	payments := s.engine.Group("/payments")

	payments.POST("/webhook", s.HandlePaymentWebhook)
	payments.POST("/mercadopago/webhook", s.HandleGatewayWebhook)
	payments.GET("/mercadopago/status", s.PublicStatusRateLimit(), s.GetGatewayStatus)

	payments.GET("/status/:transactionId", s.JWTRequired(), s.GetPaymentStatus)
	payments.POST("/create", s.JWTRequired(), s.CreatePayment)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
