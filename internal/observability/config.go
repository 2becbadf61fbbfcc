package observability

import (
	"strings"

	"github.com/smallbiznis/netbill/internal/config"
)

// Config is the slice of the application config that the logger, tracer and
// metrics exporter read.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SamplingRatio  float64
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "netbill"
	}
	protocol := "grpc"
	if strings.HasPrefix(obs.OTLPProtocol, "http") {
		protocol = "http"
	}
	ratio := obs.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}

	return Config{
		ServiceName:    serviceName,
		Environment:    strings.TrimSpace(cfg.Environment),
		Version:        strings.TrimSpace(cfg.AppVersion),
		LogLevel:       obs.LogLevel,
		LogFormat:      obs.LogFormat,
		TracingEnabled: obs.TracingEnabled,
		OTLPEndpoint:   strings.TrimSpace(obs.OTLPEndpoint),
		OTLPProtocol:   protocol,
		SamplingRatio:  ratio,
	}
}

// Debug turns on stack traces for error logs. It follows the log level, and
// every environment other than staging and production counts as debug.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "production", "staging":
		return false
	default:
		return true
	}
}
