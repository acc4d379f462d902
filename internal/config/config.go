package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tesseract-Nexus/go-shared/secrets"
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all configuration for the service
type Config struct {
	Environment     string
	Port            string
	LogLevel        string
	DatabaseURL     string
	StorageDriver   string
	StaffServiceURL string
	NATSURL         string
	RedisURL        string
	CORSOrigins     []string

	// Engine tuning
	EscalationInterval time.Duration
	SLAWarningWindow   time.Duration
	LockTimeout        time.Duration
	LockRetries        int

	// Seeding
	SeedDefaultChains bool
	SeedTenantIDs     []string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Environment:        getEnv("ENVIRONMENT", "development"),
		Port:               getEnv("PORT", "8099"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		StorageDriver:      strings.ToLower(getEnv("STORAGE_DRIVER", StoragePostgres)),
		StaffServiceURL:    getEnv("STAFF_SERVICE_URL", "http://staff-service:8080"),
		NATSURL:            getEnv("NATS_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		CORSOrigins:        getList("CORS_ALLOWED_ORIGINS"),
		EscalationInterval: getDuration("ESCALATION_INTERVAL", 5*time.Minute),
		SLAWarningWindow:   getDuration("SLA_WARNING_WINDOW", 4*time.Hour),
		LockTimeout:        getDuration("LOCK_TIMEOUT", 2*time.Second),
		LockRetries:        getInt("LOCK_RETRIES", 3),
		SeedDefaultChains:  getBool("SEED_DEFAULT_CHAINS", false),
		SeedTenantIDs:      getList("SEED_TENANT_IDS"),
	}
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q: want %s or %s", c.StorageDriver, StoragePostgres, StorageMemory)
	}
	if c.EscalationInterval <= 0 {
		return fmt.Errorf("ESCALATION_INTERVAL must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.LockRetries < 0 {
		return fmt.Errorf("LOCK_RETRIES must not be negative")
	}
	if c.SeedDefaultChains && len(c.SeedTenantIDs) == 0 {
		return fmt.Errorf("SEED_TENANT_IDS is required when SEED_DEFAULT_CHAINS is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// InitDB initializes the database connection
func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := cfg.DatabaseURL
	if dsn == "" {
		// Build DSN from individual components if DATABASE_URL not set
		host := getEnv("DB_HOST", "localhost")
		port := getEnv("DB_PORT", "5432")
		user := getEnv("DB_USER", "postgres")
		password := secrets.GetDBPassword() // Use GCP Secret Manager
		dbname := getEnv("DB_NAME", "approval_db")
		sslmode := getEnv("DB_SSLMODE", "require")

		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, password, dbname, sslmode,
		)
	}

	logLevel := logger.Silent
	if cfg.Environment == "development" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}
