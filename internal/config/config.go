package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (seat locks, settings cache, seat list cache)
	Redis RedisConfig

	// RabbitMQ configuration (booking and payment events)
	RabbitMQ RabbitMQConfig

	// JWT configuration
	JWT JWTConfig

	// Seat lock rate limiting
	RateLimit RateLimitConfig

	// CORS configuration
	CORS CORSConfig

	// Payment gateway configuration
	Payment PaymentConfig

	// Booking defaults used when a setting is not configured
	Booking BookingConfig

	// E-ticket rendering
	Ticket TicketConfig

	// Background jobs
	Jobs JobsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	AutoMigrate        bool
}

// RedisConfig holds redis connection settings. An empty Addr disables redis
// and the service falls back to in-process stores.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig holds broker settings. An empty URL disables event publishing.
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// RateLimitConfig holds the token bucket applied to seat lock requests
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// PaymentConfig holds PayOS gateway configuration
type PaymentConfig struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string // SECRET - signs payment requests and webhooks
	ReturnURL   string
	CancelURL   string
	Currency    string
	Timeout     time.Duration
}

// BookingConfig holds the documented defaults applied when a setting is absent
type BookingConfig struct {
	DefaultHoldMinutes        int
	DefaultMinCancellationHrs int
	DefaultRefundPercentage   float64
	DefaultPriceMultiplier    float64
	SeatListCacheTTL          time.Duration
	SettingsCacheTTL          time.Duration
}

// TicketConfig holds e-ticket rendering settings
type TicketConfig struct {
	OutputDir   string
	CompanyName string
}

// JobsConfig holds cron specs for background jobs
type JobsConfig struct {
	Enabled            bool
	LockSweepSpec      string
	PaymentExpirySpec  string
	ResumeConfirmSpec  string
	ConfirmingStaleFor time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 20),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			AutoMigrate:        getEnvAsBool("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "booking.events"),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvAsBool("LOCK_RATE_LIMIT_ENABLED", true),
			Capacity:       getEnvAsInt("LOCK_RATE_LIMIT_CAPACITY", 30),
			RefillTokens:   getEnvAsInt("LOCK_RATE_LIMIT_REFILL", 30),
			RefillInterval: getEnvAsDuration("LOCK_RATE_LIMIT_INTERVAL", time.Minute),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-Session-ID"}),
		},
		Payment: PaymentConfig{
			BaseURL:     getEnv("PAYOS_BASE_URL", "https://api-merchant.payos.vn"),
			ClientID:    getEnv("PAYOS_CLIENT_ID", ""),
			APIKey:      getEnv("PAYOS_API_KEY", ""),
			ChecksumKey: getEnv("PAYOS_CHECKSUM_KEY", ""),
			ReturnURL:   getEnv("PAYOS_RETURN_URL", ""),
			CancelURL:   getEnv("PAYOS_CANCEL_URL", ""),
			Currency:    getEnv("PAYMENT_CURRENCY", "VND"),
			Timeout:     getEnvAsDuration("PAYOS_TIMEOUT", 15*time.Second),
		},
		Booking: BookingConfig{
			DefaultHoldMinutes:        getEnvAsInt("BOOKING_DEFAULT_HOLD_MINUTES", 15),
			DefaultMinCancellationHrs: getEnvAsInt("BOOKING_DEFAULT_MIN_CANCELLATION_HOURS", 24),
			DefaultRefundPercentage:   getEnvAsFloat("BOOKING_DEFAULT_REFUND_PERCENTAGE", 80),
			DefaultPriceMultiplier:    getEnvAsFloat("BOOKING_DEFAULT_PRICE_MULTIPLIER", 1),
			SeatListCacheTTL:          getEnvAsDuration("SEAT_LIST_CACHE_TTL", 5*time.Second),
			SettingsCacheTTL:          getEnvAsDuration("SETTINGS_CACHE_TTL", 24*time.Hour),
		},
		Ticket: TicketConfig{
			OutputDir:   getEnv("TICKET_OUTPUT_DIR", "./tickets"),
			CompanyName: getEnv("TICKET_COMPANY_NAME", "Bus Ticket Booking"),
		},
		Jobs: JobsConfig{
			Enabled:            getEnvAsBool("JOBS_ENABLED", true),
			LockSweepSpec:      getEnv("JOBS_LOCK_SWEEP_SPEC", "@every 30s"),
			PaymentExpirySpec:  getEnv("JOBS_PAYMENT_EXPIRY_SPEC", "@every 30s"),
			ResumeConfirmSpec:  getEnv("JOBS_RESUME_CONFIRM_SPEC", "@every 5m"),
			ConfirmingStaleFor: getEnvAsDuration("JOBS_CONFIRMING_STALE_FOR", 2*time.Minute),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Booking.DefaultHoldMinutes <= 0 {
		return fmt.Errorf("BOOKING_DEFAULT_HOLD_MINUTES must be positive")
	}

	if c.Booking.DefaultRefundPercentage < 0 || c.Booking.DefaultRefundPercentage > 100 {
		return fmt.Errorf("BOOKING_DEFAULT_REFUND_PERCENTAGE must be between 0 and 100")
	}

	if c.Server.Environment == "production" && c.Payment.ChecksumKey == "" {
		return fmt.Errorf("PAYOS_CHECKSUM_KEY is required in production")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Invalid float value for %s, using default: %g", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
