package observability

import (
	"github.com/smallbiznis/netbill/internal/observability/logger"
	"github.com/smallbiznis/netbill/internal/observability/metrics"
	"github.com/smallbiznis/netbill/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	// The tracer provider installs the global propagator; nothing else
	// depends on it directly.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

// splitConfig hands each signal its own view of the observability settings.
func splitConfig(cfg Config) (logger.Config, tracing.Config, metrics.Config) {
	return logger.Config{
			ServiceName:  cfg.ServiceName,
			Environment:  cfg.Environment,
			Version:      cfg.Version,
			Level:        cfg.LogLevel,
			Format:       cfg.LogFormat,
			StackOnError: cfg.Debug(),
		},
		tracing.Config{
			Enabled:          cfg.TracingEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OTLPEndpoint,
			ExporterProtocol: cfg.OTLPProtocol,
			SamplingRatio:    cfg.SamplingRatio,
		},
		metrics.Config{
			Enabled:          cfg.TracingEnabled,
			ExporterEndpoint: cfg.OTLPEndpoint,
			ExporterProtocol: cfg.OTLPProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		}
}
