// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded, with or without 0x prefix
	EscrowContract string
	LedgerMode     string // "chain" or "memory"
	LedgerTimeout  time.Duration

	// Deal rules
	MinAmount     string // USDC, decimal
	MaxAmount     string
	FeeBps        int64
	ReleaseWindow time.Duration

	// Reconciliation
	ReconcileInterval time.Duration

	// Roles
	SuperuserIDs []int64

	// Notifications
	NotifyURL    string
	NotifySecret string

	// Security
	BridgeSecret string
	RateLimitRPM int

	FrontendURL  string
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLedgerMode        = "chain"
	DefaultLedgerTimeout     = 15 * time.Second
	DefaultMinAmount         = "1"
	DefaultMaxAmount         = "500"
	DefaultFeeBps            = 100
	DefaultReleaseWindow     = 24 * time.Hour
	DefaultReconcileInterval = 30 * time.Second
	DefaultRateLimitRPM      = 60
	DefaultFrontendURL       = "https://dealpact.app"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	superusers, err := parseIDList(os.Getenv("SUPERUSER_IDS"))
	if err != nil {
		return nil, fmt.Errorf("SUPERUSER_IDS: %w", err)
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		EscrowContract:    os.Getenv("ESCROW_CONTRACT"),
		LedgerMode:        strings.ToLower(getEnv("LEDGER_MODE", DefaultLedgerMode)),
		LedgerTimeout:     getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		MinAmount:         getEnv("MIN_AMOUNT", DefaultMinAmount),
		MaxAmount:         getEnv("MAX_AMOUNT", DefaultMaxAmount),
		FeeBps:            getEnvInt64("FEE_BPS", DefaultFeeBps),
		ReleaseWindow:     getEnvDuration("RELEASE_WINDOW", DefaultReleaseWindow),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		SuperuserIDs:      superusers,
		NotifyURL:         os.Getenv("NOTIFY_URL"),
		NotifySecret:      os.Getenv("NOTIFY_SECRET"),
		BridgeSecret:      os.Getenv("BRIDGE_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		FrontendURL:       getEnv("FRONTEND_URL", DefaultFrontendURL),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.LedgerMode {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_MODE=memory is not allowed in production")
		}
	case "chain", "":
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required")
		}
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be \"chain\" or \"memory\", got %q", c.LedgerMode)
	}

	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000")
	}

	if c.IsProduction() {
		if len(c.SuperuserIDs) == 0 {
			return fmt.Errorf("SUPERUSER_IDS is required in production")
		}
		if c.BridgeSecret == "" {
			return fmt.Errorf("BRIDGE_SECRET is required in production")
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseIDList parses a comma-separated list of numeric identities.
func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid identity %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
