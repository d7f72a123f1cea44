// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/tenantfleet/internal/logging"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Orchestration platform
	Platform        string // "memory" or "kubernetes"
	KubeConfig      string // path to kubeconfig; empty means in-cluster
	KubeNamespace   string
	AppImage        string
	DatabaseImage   string
	CacheImage      string
	StorageClass    string
	StorageGB       int // claim size when the tier's storage is unlimited
	IngressClass    string
	TLSSecret       string // wildcard certificate for tenant hosts
	BaseDomain      string
	LimitsFile      string // optional YAML tier table
	ProvisionBudget time.Duration

	// Workers
	Workers           int
	QueueSize         int
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	// Events
	KafkaBrokers []string
	KafkaTopic   string

	// Billing
	StripeWebhookSecret string

	// Tracing
	OTLPEndpoint    string
	OTELSampleRatio float64

	// Security
	AdminSecret  string   // Admin API secret
	RateLimitRPM int      // requests per client per minute
	CORSOrigins  []string // empty allows any origin

	// Account soft-delete grace period
	AccountDeleteGrace time.Duration
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPlatform          = "memory"
	DefaultNamespace         = "tenants"
	DefaultBaseDomain        = "tenants.localhost"
	DefaultAppImage          = "ghcr.io/tenantfleet/app:latest"
	DefaultDatabaseImage     = "postgres:16-alpine"
	DefaultCacheImage        = "redis:7-alpine"
	DefaultStorageGB         = 50
	DefaultRateLimit         = 100
	DefaultWorkers           = 8
	DefaultQueueSize         = 256
	DefaultKafkaTopic        = "instance-events"
	DefaultProvisionBudget   = 10 * time.Minute
	DefaultReconcileInterval = 30 * time.Second
	DefaultReconcileGrace    = 2 * time.Minute
	DefaultDeleteGrace       = 30 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Platform:            getEnv("PLATFORM", DefaultPlatform),
		KubeConfig:          os.Getenv("KUBECONFIG"),
		KubeNamespace:       getEnv("KUBE_NAMESPACE", DefaultNamespace),
		AppImage:            getEnv("APP_IMAGE", DefaultAppImage),
		DatabaseImage:       getEnv("DATABASE_IMAGE", DefaultDatabaseImage),
		CacheImage:          getEnv("CACHE_IMAGE", DefaultCacheImage),
		StorageClass:        os.Getenv("STORAGE_CLASS"),
		StorageGB:           int(getEnvInt64("STORAGE_DEFAULT_GB", DefaultStorageGB)),
		IngressClass:        os.Getenv("INGRESS_CLASS"),
		TLSSecret:           os.Getenv("TLS_SECRET"),
		BaseDomain:          getEnv("BASE_DOMAIN", DefaultBaseDomain),
		LimitsFile:          os.Getenv("LIMITS_FILE"),
		ProvisionBudget:     getEnvDuration("PROVISION_BUDGET", DefaultProvisionBudget),
		Workers:             int(getEnvInt64("WORKERS", DefaultWorkers)),
		QueueSize:           int(getEnvInt64("QUEUE_SIZE", DefaultQueueSize)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileGrace:      getEnvDuration("RECONCILE_GRACE", DefaultReconcileGrace),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELSampleRatio:     getEnvFloat("OTEL_SAMPLE_RATIO", 1),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		AccountDeleteGrace:  getEnvDuration("ACCOUNT_DELETE_GRACE", DefaultDeleteGrace),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Platform {
	case "memory", "kubernetes":
	default:
		return fmt.Errorf("PLATFORM must be \"memory\" or \"kubernetes\", got %q", c.Platform)
	}

	if c.BaseDomain == "" {
		return fmt.Errorf("BASE_DOMAIN is required")
	}

	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1")
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.ProvisionBudget <= 0 {
		return fmt.Errorf("PROVISION_BUDGET must be positive")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
