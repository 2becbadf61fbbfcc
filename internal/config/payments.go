package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PaymentsConfig tunes the checkout preferences sent to the gateway.
type PaymentsConfig struct {
	CurrencyID          string   `mapstructure:"currencyId"`
	StatementDescriptor string   `mapstructure:"statementDescriptor"`
	DefaultItemTitle    string   `mapstructure:"defaultItemTitle"`
	AutoReturn          string   `mapstructure:"autoReturn"`
	BackURLs            BackURLs `mapstructure:"backUrls"`
	ExpirationMinutes   int      `mapstructure:"expirationMinutes"`
}

type BackURLs struct {
	Success string `mapstructure:"success"`
	Failure string `mapstructure:"failure"`
	Pending string `mapstructure:"pending"`
}

func DefaultPaymentsConfig() PaymentsConfig {
	return PaymentsConfig{
		CurrencyID:          "COP",
		StatementDescriptor: "NETBILL",
		DefaultItemTitle:    "Internet service",
		AutoReturn:          "approved",
		BackURLs: BackURLs{
			Success: "/pagos/exito",
			Failure: "/pagos/error",
			Pending: "/pagos/pendiente",
		},
		ExpirationMinutes: 0,
	}
}

type PaymentsConfigHolder struct {
	current atomic.Value // holds PaymentsConfig
}

// NewStaticPaymentsConfigHolder returns a holder that never reloads.
func NewStaticPaymentsConfigHolder(cfg PaymentsConfig) *PaymentsConfigHolder {
	holder := &PaymentsConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPaymentsConfigHolder() (*PaymentsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/netbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("NETBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPaymentsConfig()
	v.SetDefault("payments.currencyId", defaults.CurrencyID)
	v.SetDefault("payments.statementDescriptor", defaults.StatementDescriptor)
	v.SetDefault("payments.defaultItemTitle", defaults.DefaultItemTitle)
	v.SetDefault("payments.autoReturn", defaults.AutoReturn)
	v.SetDefault("payments.backUrls.success", defaults.BackURLs.Success)
	v.SetDefault("payments.backUrls.failure", defaults.BackURLs.Failure)
	v.SetDefault("payments.backUrls.pending", defaults.BackURLs.Pending)
	v.SetDefault("payments.expirationMinutes", defaults.ExpirationMinutes)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg PaymentsConfig
	if err := v.UnmarshalKey("payments", &cfg); err != nil {
		return nil, err
	}
	if err := validatePaymentsConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPaymentsConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PaymentsConfig
		if err := v.UnmarshalKey("payments", &updated); err != nil {
			log.Printf("[payments-config] reload failed: %v", err)
			return
		}
		if err := validatePaymentsConfig(updated); err != nil {
			log.Printf("[payments-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[payments-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PaymentsConfigHolder) Get() PaymentsConfig {
	if h == nil {
		return DefaultPaymentsConfig()
	}
	cfg, ok := h.current.Load().(PaymentsConfig)
	if !ok {
		return DefaultPaymentsConfig()
	}
	return cfg
}

func validatePaymentsConfig(cfg PaymentsConfig) error {
	if strings.TrimSpace(cfg.CurrencyID) == "" {
		return errors.New("payments.currencyId cannot be empty")
	}
	if cfg.ExpirationMinutes < 0 {
		return errors.New("payments.expirationMinutes cannot be negative")
	}
	return nil
}
