/**
 * @description
 * This package loads the service configuration. Values come from an optional
 * .env file and the environment through Viper, followed by normalisation that
 * falls back to safe defaults with a warning instead of failing startup.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 * - github.com/shopspring/decimal: clearing thresholds.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultClearingCeiling     = "1000000"
	defaultFXClearingThreshold = "20000"
)

// Config holds all the configuration variables for the service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`

	PaymentExchange      string `mapstructure:"PAYMENT_EXCHANGE"`
	PaymentQueue         string `mapstructure:"PAYMENT_QUEUE"`
	PaymentDLQ           string `mapstructure:"PAYMENT_DLQ"`
	PaymentRoutingKey    string `mapstructure:"PAYMENT_ROUTING_KEY"`
	PaymentMaxDeliveries int    `mapstructure:"PAYMENT_MAX_DELIVERIES"`
	OutcomeExchange      string `mapstructure:"OUTCOME_EXCHANGE"`
	WorkerConcurrency    int    `mapstructure:"WORKER_CONCURRENCY"`

	AccountServiceURL  string `mapstructure:"ACCOUNT_SERVICE_URL"`
	RiskServiceURL     string `mapstructure:"RISK_SERVICE_URL"`
	CustomerServiceURL string `mapstructure:"CUSTOMER_SERVICE_URL"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret          string `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	LocalCurrency          string `mapstructure:"LOCAL_CURRENCY"`
	ClearingCeilingRaw     string `mapstructure:"CLEARING_CEILING"`
	FXClearingThresholdRaw string `mapstructure:"FX_CLEARING_THRESHOLD"`
	RiskRejectThreshold    int    `mapstructure:"RISK_REJECT_THRESHOLD"`

	RequestLockTTLSeconds        int `mapstructure:"REQUEST_LOCK_TTL_SECONDS"`
	EventProcessingTTLSeconds    int `mapstructure:"EVENT_PROCESSING_TTL_SECONDS"`
	EventDoneTTLSeconds          int `mapstructure:"EVENT_DONE_TTL_SECONDS"`
	PaymentAccountLockTTLSeconds int `mapstructure:"PAYMENT_ACCOUNT_LOCK_TTL_SECONDS"`
	LedgerAccountLockTTLSeconds  int `mapstructure:"LEDGER_ACCOUNT_LOCK_TTL_SECONDS"`

	SweepSchedule          string `mapstructure:"SWEEP_SCHEDULE"`
	SweepPendingAgeSeconds int    `mapstructure:"SWEEP_PENDING_AGE_SECONDS"`

	ClearingCeiling     decimal.Decimal `mapstructure:"-"`
	FXClearingThreshold decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "bankcore")
	viper.SetDefault("PAYMENT_EXCHANGE", "payment.events.exchange")
	viper.SetDefault("PAYMENT_QUEUE", "payment.events.queue")
	viper.SetDefault("PAYMENT_DLQ", "payment.events.dlq")
	viper.SetDefault("PAYMENT_ROUTING_KEY", "payment.events")
	viper.SetDefault("PAYMENT_MAX_DELIVERIES", 20)
	viper.SetDefault("OUTCOME_EXCHANGE", "bankcore.events")
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("LOCAL_CURRENCY", "CNY")
	viper.SetDefault("CLEARING_CEILING", defaultClearingCeiling)
	viper.SetDefault("FX_CLEARING_THRESHOLD", defaultFXClearingThreshold)
	viper.SetDefault("RISK_REJECT_THRESHOLD", 80)
	viper.SetDefault("REQUEST_LOCK_TTL_SECONDS", 120)
	viper.SetDefault("EVENT_PROCESSING_TTL_SECONDS", 300)
	viper.SetDefault("EVENT_DONE_TTL_SECONDS", 3600)
	viper.SetDefault("PAYMENT_ACCOUNT_LOCK_TTL_SECONDS", 60)
	viper.SetDefault("LEDGER_ACCOUNT_LOCK_TTL_SECONDS", 30)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEP_PENDING_AGE_SECONDS", 300)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL", "RABBITMQ_URL", "AMQP_URL")
	_ = viper.BindEnv("PAYMENT_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_QUEUE")
	_ = viper.BindEnv("PAYMENT_DLQ")
	_ = viper.BindEnv("PAYMENT_ROUTING_KEY")
	_ = viper.BindEnv("PAYMENT_MAX_DELIVERIES")
	_ = viper.BindEnv("OUTCOME_EXCHANGE")
	_ = viper.BindEnv("WORKER_CONCURRENCY")
	_ = viper.BindEnv("ACCOUNT_SERVICE_URL")
	_ = viper.BindEnv("RISK_SERVICE_URL")
	_ = viper.BindEnv("CUSTOMER_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOCAL_CURRENCY")
	_ = viper.BindEnv("CLEARING_CEILING")
	_ = viper.BindEnv("FX_CLEARING_THRESHOLD")
	_ = viper.BindEnv("RISK_REJECT_THRESHOLD")
	_ = viper.BindEnv("REQUEST_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("EVENT_PROCESSING_TTL_SECONDS")
	_ = viper.BindEnv("EVENT_DONE_TTL_SECONDS")
	_ = viper.BindEnv("PAYMENT_ACCOUNT_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("LEDGER_ACCOUNT_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_PENDING_AGE_SECONDS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.AccountServiceURL = strings.TrimSpace(c.AccountServiceURL)
	c.RiskServiceURL = strings.TrimSpace(c.RiskServiceURL)
	c.CustomerServiceURL = strings.TrimSpace(c.CustomerServiceURL)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)

	c.RedisKeyPrefix = strings.TrimSpace(c.RedisKeyPrefix)
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "bankcore"
	}
	c.LocalCurrency = strings.ToUpper(strings.TrimSpace(c.LocalCurrency))
	if c.LocalCurrency == "" {
		c.LocalCurrency = "CNY"
	}

	c.ClearingCeiling = parseAmount("CLEARING_CEILING", c.ClearingCeilingRaw, defaultClearingCeiling)
	c.FXClearingThreshold = parseAmount("FX_CLEARING_THRESHOLD", c.FXClearingThresholdRaw, defaultFXClearingThreshold)

	if c.WorkerConcurrency <= 0 {
		log.Printf("level=warn component=config msg=\"invalid WORKER_CONCURRENCY; using default\" value=%d", c.WorkerConcurrency)
		c.WorkerConcurrency = 4
	}
	if c.PaymentMaxDeliveries < 0 {
		c.PaymentMaxDeliveries = 20
	}
	if c.RiskRejectThreshold <= 0 || c.RiskRejectThreshold > 100 {
		log.Printf("level=warn component=config msg=\"invalid RISK_REJECT_THRESHOLD; using default\" value=%d", c.RiskRejectThreshold)
		c.RiskRejectThreshold = 80
	}
	positiveOr(&c.RequestLockTTLSeconds, 120)
	positiveOr(&c.EventProcessingTTLSeconds, 300)
	positiveOr(&c.EventDoneTTLSeconds, 3600)
	positiveOr(&c.PaymentAccountLockTTLSeconds, 60)
	positiveOr(&c.LedgerAccountLockTTLSeconds, 30)
	positiveOr(&c.SweepPendingAgeSeconds, 300)

	c.SweepSchedule = strings.TrimSpace(c.SweepSchedule)
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
}

func parseAmount(key, raw, fallback string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if v, err := decimal.NewFromString(raw); err == nil && v.IsPositive() {
			return v
		}
		log.Printf("level=warn component=config msg=\"invalid amount; using default\" key=%s value=%q default=%s", key, raw, fallback)
	}
	return decimal.RequireFromString(fallback)
}

func positiveOr(v *int, fallback int) {
	if *v <= 0 {
		*v = fallback
	}
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS on commas; empty means allow all.
func (c Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (c Config) RequestLockTTL() time.Duration {
	return time.Duration(c.RequestLockTTLSeconds) * time.Second
}

func (c Config) EventProcessingTTL() time.Duration {
	return time.Duration(c.EventProcessingTTLSeconds) * time.Second
}

func (c Config) EventDoneTTL() time.Duration {
	return time.Duration(c.EventDoneTTLSeconds) * time.Second
}

func (c Config) PaymentAccountLockTTL() time.Duration {
	return time.Duration(c.PaymentAccountLockTTLSeconds) * time.Second
}

func (c Config) LedgerAccountLockTTL() time.Duration {
	return time.Duration(c.LedgerAccountLockTTLSeconds) * time.Second
}

func (c Config) SweepPendingAge() time.Duration {
	return time.Duration(c.SweepPendingAgeSeconds) * time.Second
}
