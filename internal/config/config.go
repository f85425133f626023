/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the credit-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	LedgerEventExchange         string `mapstructure:"LEDGER_EVENT_EXCHANGE"`
	AuthJWKSURL                 string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer                  string `mapstructure:"AUTH_ISSUER"`
	AuthAudience                string `mapstructure:"AUTH_AUDIENCE"`
	FreeTierCredits             int64  `mapstructure:"FREE_TIER_CREDITS"`
	CreditFloor                 int64  `mapstructure:"CREDIT_FLOOR"`
	ChargeIdempotencyTTLMinutes int    `mapstructure:"CHARGE_IDEMPOTENCY_TTL_MINUTES"`
	RechargeRateLimitPerMinute  int    `mapstructure:"RECHARGE_RATE_LIMIT_PER_MINUTE"`
	TransactionArchiveDays      int    `mapstructure:"TRANSACTION_ARCHIVE_DAYS"`
	TransactionArchiveCron      string `mapstructure:"TRANSACTION_ARCHIVE_CRON"`
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
	viper.SetDefault("LEDGER_EVENT_EXCHANGE", "credit_service.ledger_events")
	viper.SetDefault("FREE_TIER_CREDITS", 20)
	viper.SetDefault("CREDIT_FLOOR", -1_000_000)
	viper.SetDefault("CHARGE_IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("RECHARGE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("TRANSACTION_ARCHIVE_DAYS", 180)
	viper.SetDefault("TRANSACTION_ARCHIVE_CRON", "0 3 * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CREDIT_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_EXCHANGE")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("FREE_TIER_CREDITS")
	_ = viper.BindEnv("CREDIT_FLOOR")
	_ = viper.BindEnv("CHARGE_IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("RECHARGE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRANSACTION_ARCHIVE_DAYS")
	_ = viper.BindEnv("TRANSACTION_ARCHIVE_CRON")

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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.LedgerEventExchange = strings.TrimSpace(config.LedgerEventExchange)
	if config.LedgerEventExchange == "" {
		config.LedgerEventExchange = "credit_service.ledger_events"
	}

	if config.FreeTierCredits < 0 {
		log.Printf("level=warn component=config msg=\"negative free tier grant configured; coercing to zero\" credits=%d", config.FreeTierCredits)
		config.FreeTierCredits = 0
	}
	if config.CreditFloor > 0 {
		log.Printf("level=warn component=config msg=\"positive credit floor configured; coercing to zero\" floor=%d", config.CreditFloor)
		config.CreditFloor = 0
	}
	if config.ChargeIdempotencyTTLMinutes <= 0 {
		config.ChargeIdempotencyTTLMinutes = 1440
	}
	if config.RechargeRateLimitPerMinute <= 0 {
		config.RechargeRateLimitPerMinute = 10
	}
	if config.TransactionArchiveDays <= 0 {
		config.TransactionArchiveDays = 180
	}
	if strings.TrimSpace(config.TransactionArchiveCron) == "" {
		config.TransactionArchiveCron = "0 3 * * *"
	}

	return
}
