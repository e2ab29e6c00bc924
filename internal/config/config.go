// Package config loads every setting the facilitator needs from the
// environment (optionally seeded from a .env file). Private key material
// stays inside the Config struct for the process lifetime and is never
// logged or serialized.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the facilitator service.
type Config struct {
	// Server
	Port        int
	Environment string

	// Redis
	RedisURL string

	// Rate Limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Compliance
	OfacListPath          string
	OperatorBlocklistPath string
	ReviewListPath        string

	// EVM: one or more hex private keys shared by every enabled EVM
	// network; each network's RPC URL is read from the env var its
	// static table entry names.
	EvmPrivateKeys     []string
	DeploySmartWallets bool

	// SVM: base64 Ed25519 seeds or expanded keys.
	SvmPrivateKeys []string

	// NEAR: "account.near:<base64 seed>" pairs.
	NearAccounts []string

	// Stellar
	StellarSecretSeeds       []string
	StellarFeePaddingPercent int

	// Algorand
	AlgorandMnemonic     string
	AlgorandAlgodToken   string
	AlgorandIndexerToken string
	AlgorandSweepSeconds int
}

// Load loads configuration from environment variables, seeding from a
// .env file if one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 1000),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		OfacListPath:          getEnv("OFAC_SDN_LIST_PATH", ""),
		OperatorBlocklistPath: getEnv("OPERATOR_BLOCKLIST_PATH", ""),
		ReviewListPath:        getEnv("COMPLIANCE_REVIEW_LIST_PATH", ""),

		EvmPrivateKeys:     getEnvList("EVM_PRIVATE_KEYS"),
		DeploySmartWallets: getEnvBool("EVM_DEPLOY_SMART_WALLETS", true),

		SvmPrivateKeys: getEnvList("SVM_PRIVATE_KEYS"),

		NearAccounts: getEnvList("NEAR_ACCOUNTS"),

		StellarSecretSeeds:       getEnvList("STELLAR_SECRET_SEEDS"),
		StellarFeePaddingPercent: getEnvInt("STELLAR_FEE_PADDING_PERCENT", 20),

		AlgorandMnemonic:     getEnv("ALGORAND_MNEMONIC", ""),
		AlgorandAlgodToken:   getEnv("ALGORAND_ALGOD_TOKEN", ""),
		AlgorandIndexerToken: getEnv("ALGORAND_INDEXER_TOKEN", ""),
		AlgorandSweepSeconds: getEnvInt("ALGORAND_SWEEP_SECONDS", 5),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated env var, trimming whitespace and
// dropping empty segments.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
