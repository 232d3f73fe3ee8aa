// Package config handles loading application configuration from environment variables.
// All settings have sensible defaults for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application settings loaded from environment variables.
type Config struct {
	Port                  string
	DatabasePath          string
	JWTSecret             string
	HostPortalPassword    string
	Environment           string
	TestBypassToken       string
	PaymentWebhookToken   string
	CommissionRateBPS     int64
	BonusRateBPS          int64
	QueueMaxPending       int
	PaymentConfirmTimeout time.Duration
	IdleSessionTimeout    time.Duration
	MaintenanceInterval   time.Duration
	HostTokenDuration     time.Duration
	CustomerTokenDuration time.Duration
	RateLimitPerMinute    int
	CORSAllowedOrigins    []string
	TrustedProxies        []string
}

// Load reads configuration from environment variables, using defaults where not set.
func Load() *Config {
	return &Config{
		Port:                  getEnv("PORT", "8080"),
		DatabasePath:          getEnv("DATABASE_PATH", "./rockola.db"),
		JWTSecret:             getEnv("JWT_SECRET", "change-me-in-production"), // #nosec G101 -- intentional dev default
		HostPortalPassword:    getEnv("HOST_PORTAL_PASSWORD", "admin123"),     // #nosec G101 -- intentional dev default
		Environment:           getEnv("ENVIRONMENT", "development"),
		TestBypassToken:       getEnv("TEST_BYPASS_TOKEN", ""),
		PaymentWebhookToken:   getEnv("PAYMENT_WEBHOOK_TOKEN", ""),
		CommissionRateBPS:     int64(getIntEnv("COMMISSION_RATE_BPS", 2000)),
		BonusRateBPS:          int64(getIntEnv("BONUS_RATE_BPS", 0)),
		QueueMaxPending:       getIntEnv("QUEUE_MAX_PENDING", 50),
		PaymentConfirmTimeout: getDurationEnv("PAYMENT_CONFIRM_TIMEOUT", 10*time.Minute),
		IdleSessionTimeout:    getDurationEnv("IDLE_SESSION_TIMEOUT", 2*time.Hour),
		MaintenanceInterval:   getDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
		HostTokenDuration:     getDurationEnv("HOST_TOKEN_DURATION", 24*time.Hour),
		CustomerTokenDuration: getDurationEnv("CUSTOMER_TOKEN_DURATION", 12*time.Hour),
		RateLimitPerMinute:    getIntEnv("RATE_LIMIT_PER_MINUTE", 10),
		CORSAllowedOrigins:    getStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		TrustedProxies:        getStringSliceEnv("TRUSTED_PROXIES", nil),
	}
}

// IsProduction reports whether the process runs with production hardening.
// The authentication bypass token is only honored when this is false.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
