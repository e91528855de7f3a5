/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Money-valued settings (limits, fees, thresholds) are read as strings and
 * parsed into fixed-point decimals; an unparseable value logs a warning and
 * falls back to the default instead of silently becoming zero.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Fixed-point money values.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisLockPrefix      string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	CustomerEventQueue   string `mapstructure:"CUSTOMER_EVENT_QUEUE"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	CustomerServiceURL   string `mapstructure:"CUSTOMER_SERVICE_URL"`
	CustomerServiceKey   string `mapstructure:"CUSTOMER_SERVICE_INTERNAL_API_KEY"`
	FXServiceURL         string `mapstructure:"FX_SERVICE_URL"`
	RiskServiceURL       string `mapstructure:"RISK_SERVICE_URL"`
	BaseCurrency         string `mapstructure:"BASE_CURRENCY"`
	RiskCheckPolicy      string `mapstructure:"RISK_CHECK_POLICY"`
	ApprovalWaitMinutes  int    `mapstructure:"APPROVAL_WAIT_MINUTES"`
	LockTTLSeconds       int    `mapstructure:"LOCK_TTL_SECONDS"`
	LockRetryAttempts    int    `mapstructure:"LOCK_RETRY_ATTEMPTS"`
	LockRetryDelayMillis int    `mapstructure:"LOCK_RETRY_DELAY_MS"`
	OutboxBatchSize      int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollMillis     int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxMaxAttempts    int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	StalePendingMinutes  int    `mapstructure:"STALE_PENDING_AGE_MINUTES"`

	// Parsed from DAILY_TRANSFER_LIMIT, TRANSFER_BASE_FEE, TRANSFER_FEE_PERCENT
	// and HIGH_AMOUNT_THRESHOLD after Unmarshal.
	DailyTransferLimit  decimal.Decimal `mapstructure:"-"`
	TransferBaseFee     decimal.Decimal `mapstructure:"-"`
	TransferFeePercent  decimal.Decimal `mapstructure:"-"`
	HighAmountThreshold decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_LOCK_PREFIX", "transfer:lock")
	viper.SetDefault("EVENTS_EXCHANGE", "transfer_events")
	viper.SetDefault("CUSTOMER_EVENT_QUEUE", "transfer_service.customer_updates")
	viper.SetDefault("BASE_CURRENCY", "USD")
	viper.SetDefault("RISK_CHECK_POLICY", "fail_open")
	viper.SetDefault("APPROVAL_WAIT_MINUTES", 30)
	viper.SetDefault("LOCK_TTL_SECONDS", 10)
	viper.SetDefault("LOCK_RETRY_ATTEMPTS", 3)
	viper.SetDefault("LOCK_RETRY_DELAY_MS", 100)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 2000)
	viper.SetDefault("OUTBOX_MAX_ATTEMPTS", 10)
	viper.SetDefault("STALE_PENDING_AGE_MINUTES", 1440)
	viper.SetDefault("DAILY_TRANSFER_LIMIT", "10000")
	viper.SetDefault("TRANSFER_BASE_FEE", "1.00")
	viper.SetDefault("TRANSFER_FEE_PERCENT", "0.005")
	viper.SetDefault("HIGH_AMOUNT_THRESHOLD", "5000")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CUSTOMER_EVENT_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CUSTOMER_SERVICE_URL")
	_ = viper.BindEnv("CUSTOMER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("FX_SERVICE_URL")
	_ = viper.BindEnv("RISK_SERVICE_URL")
	_ = viper.BindEnv("BASE_CURRENCY")
	_ = viper.BindEnv("RISK_CHECK_POLICY")
	_ = viper.BindEnv("APPROVAL_WAIT_MINUTES")
	_ = viper.BindEnv("LOCK_TTL_SECONDS")
	_ = viper.BindEnv("LOCK_RETRY_ATTEMPTS")
	_ = viper.BindEnv("LOCK_RETRY_DELAY_MS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OUTBOX_MAX_ATTEMPTS")
	_ = viper.BindEnv("STALE_PENDING_AGE_MINUTES")
	_ = viper.BindEnv("DAILY_TRANSFER_LIMIT")
	_ = viper.BindEnv("TRANSFER_BASE_FEE")
	_ = viper.BindEnv("TRANSFER_FEE_PERCENT")
	_ = viper.BindEnv("HIGH_AMOUNT_THRESHOLD")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSFER_SERVICE_INTERNAL_API_KEY"))
	}
	config.CustomerServiceKey = strings.TrimSpace(config.CustomerServiceKey)
	if config.CustomerServiceKey == "" {
		config.CustomerServiceKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.BaseCurrency = strings.ToUpper(strings.TrimSpace(config.BaseCurrency))
	if len(config.BaseCurrency) != 3 {
		log.Printf("level=warn component=config msg=\"invalid BASE_CURRENCY; falling back to USD\" value=%q", config.BaseCurrency)
		config.BaseCurrency = "USD"
	}

	config.RiskCheckPolicy = strings.ToLower(strings.TrimSpace(config.RiskCheckPolicy))
	if config.RiskCheckPolicy != "fail_closed" {
		if config.RiskCheckPolicy != "fail_open" && config.RiskCheckPolicy != "" {
			log.Printf("level=warn component=config msg=\"unknown RISK_CHECK_POLICY; using fail_open\" value=%q", config.RiskCheckPolicy)
		}
		config.RiskCheckPolicy = "fail_open"
	}

	config.DailyTransferLimit = parseDecimal("DAILY_TRANSFER_LIMIT", "10000")
	config.TransferBaseFee = parseDecimal("TRANSFER_BASE_FEE", "1.00")
	config.TransferFeePercent = parseDecimal("TRANSFER_FEE_PERCENT", "0.005")
	config.HighAmountThreshold = parseDecimal("HIGH_AMOUNT_THRESHOLD", "5000")

	if config.DailyTransferLimit.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative daily limit configured; coercing to zero\" value=%s", config.DailyTransferLimit)
		config.DailyTransferLimit = decimal.Zero
	}
	if config.TransferBaseFee.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative base fee configured; coercing to zero\" value=%s", config.TransferBaseFee)
		config.TransferBaseFee = decimal.Zero
	}
	if config.TransferFeePercent.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative fee percent configured; coercing to zero\" value=%s", config.TransferFeePercent)
		config.TransferFeePercent = decimal.Zero
	}

	if config.ApprovalWaitMinutes < 0 {
		config.ApprovalWaitMinutes = 0
	}
	if config.LockTTLSeconds <= 0 {
		config.LockTTLSeconds = 10
	}
	if config.LockRetryAttempts <= 0 {
		config.LockRetryAttempts = 3
	}
	if config.LockRetryDelayMillis <= 0 {
		config.LockRetryDelayMillis = 100
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.OutboxPollMillis <= 0 {
		config.OutboxPollMillis = 2000
	}
	if config.OutboxMaxAttempts <= 0 {
		config.OutboxMaxAttempts = 10
	}
	if config.StalePendingMinutes <= 0 {
		config.StalePendingMinutes = 1440
	}

	return
}

func parseDecimal(key, fallback string) decimal.Decimal {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		raw = fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid decimal value; using default\" key=%s value=%q default=%s err=%v", key, raw, fallback, err)
		value, _ = decimal.NewFromString(fallback)
	}
	return value
}
