// Package config handles facilitator and client configuration from
// environment variables.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Dream-Voyage/v402/internal/usdc"
	"github.com/Dream-Voyage/v402/internal/validation"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// Config holds the facilitator service configuration.
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "text" or "json"
	AllowedOrigins []string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL       string
	ChainID      int64
	Network      string
	PrivateKey   string // Hex-encoded, with or without 0x
	USDCContract string
	TokenName    string // EIP-712 domain name of the token contract
	TokenVersion string

	// Settlement
	SupportedSchemes    []string
	SettlementTimeout   time.Duration
	ReceiptPollInterval time.Duration
	ReconcileInterval   time.Duration

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string

	// Demo paywall
	DemoPrice string // USDC, e.g. "0.01"; empty disables /demo/premium
	PayTo     string
}

// Base Sepolia defaults
const (
	DefaultRPCURL              = "https://sepolia.base.org"
	DefaultNetwork             = "base-sepolia"
	DefaultUSDCContract        = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultTokenName           = x402.DefaultTokenName
	DefaultTokenVersion        = x402.DefaultTokenVersion
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultRateLimit           = 120
	DefaultSettlementTimeout   = 300 * time.Second
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultReconcileInterval   = time.Minute
)

// Load reads facilitator configuration from environment variables. It
// loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	network := getEnv("NETWORK", DefaultNetwork)
	chain := x402.Network{USDC: DefaultUSDCContract, TokenName: DefaultTokenName, TokenVersion: DefaultTokenVersion}
	if n, ok := x402.LookupNetwork(network); ok {
		chain = n
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		AllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS", nil),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", chain.ChainID),
		Network:             network,
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		USDCContract:        getEnv("USDC_CONTRACT", chain.USDC),
		TokenName:           getEnv("TOKEN_NAME", chain.TokenName),
		TokenVersion:        getEnv("TOKEN_VERSION", chain.TokenVersion),
		SupportedSchemes:    getEnvList("SUPPORTED_SCHEMES", []string{x402.SchemeExact}),
		SettlementTimeout:   getEnvDuration("SETTLEMENT_TIMEOUT", DefaultSettlementTimeout),
		ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DemoPrice:           os.Getenv("DEMO_PRICE"),
		PayTo:               os.Getenv("PAY_TO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	if len(strings.TrimPrefix(c.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	network, ok := x402.LookupNetwork(c.Network)
	if !ok {
		return fmt.Errorf("NETWORK %q is not a known network (known: %s)", c.Network, strings.Join(x402.Networks(), ", "))
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID is required")
	}
	// The verifier signs domains with the network's chain id and the
	// engine signs transactions with CHAIN_ID.
	if c.ChainID != network.ChainID {
		return fmt.Errorf("CHAIN_ID %d does not match NETWORK %q (chain %d)", c.ChainID, c.Network, network.ChainID)
	}

	errs := validation.Validate(
		validation.ValidAddress("USDC_CONTRACT", c.USDCContract),
		validation.ValidAddress("PAY_TO", c.PayTo),
		validation.ValidAmount("DEMO_PRICE", c.DemoPrice),
	)
	if len(errs) > 0 {
		return errs
	}
	if c.DemoPrice != "" && c.PayTo == "" {
		return fmt.Errorf("PAY_TO is required when DEMO_PRICE is set")
	}
	if len(c.SupportedSchemes) == 0 {
		return fmt.Errorf("SUPPORTED_SCHEMES must list at least one scheme")
	}
	if c.SettlementTimeout <= 0 || c.ReceiptPollInterval <= 0 {
		return fmt.Errorf("SETTLEMENT_TIMEOUT and RECEIPT_POLL_INTERVAL must be positive")
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

// ClientConfig holds the paying client's configuration.
type ClientConfig struct {
	PrivateKey     string
	Network        string
	MaxAmount      string // USDC ceiling per payment; empty means no ceiling
	MaxRetries     int
	RetryBackoff   float64
	RetryJitter    bool
	Timeout        time.Duration
	MaxConnections int
	CacheTTL       time.Duration
	CacheSize      int
	CachePaid      bool
	AutoPay        bool
	FacilitatorURL string
	LogLevel       string
}

// LoadClient reads client configuration from V402_* environment variables.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		PrivateKey:     os.Getenv("V402_PRIVATE_KEY"),
		Network:        getEnv("V402_NETWORK", DefaultNetwork),
		MaxAmount:      os.Getenv("V402_MAX_AMOUNT"),
		MaxRetries:     int(getEnvInt64("V402_MAX_RETRIES", 3)),
		RetryBackoff:   getEnvFloat("V402_RETRY_BACKOFF", 2.0),
		RetryJitter:    getEnvBool("V402_RETRY_JITTER", true),
		Timeout:        getEnvDuration("V402_TIMEOUT", 30*time.Second),
		MaxConnections: int(getEnvInt64("V402_MAX_CONNECTIONS", 100)),
		CacheTTL:       getEnvDuration("V402_CACHE_TTL", 300*time.Second),
		CacheSize:      int(getEnvInt64("V402_CACHE_SIZE", 1000)),
		CachePaid:      getEnvBool("V402_CACHE_PAID", false),
		AutoPay:        getEnvBool("V402_AUTO_PAY", true),
		FacilitatorURL: os.Getenv("V402_FACILITATOR_URL"),
		LogLevel:       getEnv("V402_LOG_LEVEL", "warn"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.AutoPay && c.PrivateKey == "" {
		return fmt.Errorf("V402_PRIVATE_KEY is required when auto-pay is enabled")
	}
	if c.PrivateKey != "" && len(strings.TrimPrefix(c.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("V402_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if _, ok := x402.LookupNetwork(c.Network); !ok {
		return fmt.Errorf("V402_NETWORK %q is not a known network", c.Network)
	}
	if errs := validation.Validate(validation.ValidAmount("V402_MAX_AMOUNT", c.MaxAmount)); len(errs) > 0 {
		return errs
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("V402_MAX_RETRIES must not be negative")
	}
	if c.RetryBackoff < 1 {
		return fmt.Errorf("V402_RETRY_BACKOFF must be at least 1")
	}
	if c.MaxConnections <= 0 || c.CacheSize <= 0 {
		return fmt.Errorf("V402_MAX_CONNECTIONS and V402_CACHE_SIZE must be positive")
	}
	return nil
}

// MaxAmountUnits returns the payment ceiling in USDC smallest units, or
// nil when unset.
func (c *ClientConfig) MaxAmountUnits() *big.Int {
	if c.MaxAmount == "" {
		return nil
	}
	units, ok := usdc.Parse(c.MaxAmount)
	if !ok {
		return nil
	}
	return units
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
