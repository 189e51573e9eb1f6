package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chainvault/internal/domain"
)

type Config struct {
	HTTPAddr string
	LogLevel string
	Env      string

	RegistryBackend string
	PostgresDSN     string
	BadgerPath      string

	PolicyBundlePath string
	PolicyBundleID   string

	ChainCallTimeoutMs          int
	PropagationMaxAttempts      int
	PropagationInitialBackoffMs int
	PropagationMaxBackoffMs     int
	VerifyPollIntervalMs        int
	VerifyMaxAttempts           int

	// DevLedgerConfirmAfter is the number of status lookups after which the
	// in-memory ledger confirms a transaction.
	DevLedgerConfirmAfter int

	Chains map[domain.ChainID]ChainConfig

	// RateLimitRequests bounds reads per client. Operation and recovery
	// budgets are per vault and fall back to the read budget when unset.
	RateLimitRequests        int
	RateLimitVaultOperations int
	RateLimitRecovery        int
	RateLimitWindowSeconds   int
	RateLimitFailClosed      bool
	RateLimitMaxKeys         int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockBackend   string
	LockTTLSecs   int
}

// ChainConfig holds the per-ledger settings. An empty RPCURL selects the
// in-memory ledger.
type ChainConfig struct {
	RPCURL       string
	SignerKeyHex string
	AttestorKey  string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	chains := make(map[domain.ChainID]ChainConfig, 3)
	for _, chain := range domain.AllChains() {
		prefix := strings.ToUpper(chain.String())
		chains[chain] = ChainConfig{
			RPCURL:       os.Getenv(prefix + "_RPC_URL"),
			SignerKeyHex: os.Getenv(prefix + "_SIGNER_KEY_HEX"),
			AttestorKey:  os.Getenv(prefix + "_ATTESTOR_KEY"),
		}
	}
	return Config{
		HTTPAddr:                    addr,
		LogLevel:                    envDefault("LOG_LEVEL", "info"),
		Env:                         os.Getenv("CHAINVAULT_ENV"),
		RegistryBackend:             envDefault("REGISTRY_BACKEND", "memory"),
		PostgresDSN:                 os.Getenv("POSTGRES_DSN"),
		BadgerPath:                  envDefault("BADGER_PATH", "./data/registry"),
		PolicyBundlePath:            os.Getenv("POLICY_BUNDLE_PATH"),
		PolicyBundleID:              os.Getenv("POLICY_BUNDLE_ID"),
		ChainCallTimeoutMs:          envIntDefault("CHAIN_CALL_TIMEOUT_MS", 5000),
		PropagationMaxAttempts:      envIntDefault("PROPAGATION_MAX_ATTEMPTS", 5),
		PropagationInitialBackoffMs: envIntDefault("PROPAGATION_INITIAL_BACKOFF_MS", 500),
		PropagationMaxBackoffMs:     envIntDefault("PROPAGATION_MAX_BACKOFF_MS", 8000),
		VerifyPollIntervalMs:        envIntDefault("VERIFY_POLL_INTERVAL_MS", 2000),
		VerifyMaxAttempts:           envIntDefault("VERIFY_MAX_ATTEMPTS", 10),
		DevLedgerConfirmAfter:       envIntDefault("DEV_LEDGER_CONFIRM_AFTER", 2),
		Chains:                      chains,
		RateLimitRequests:           envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitVaultOperations:    envIntDefault("RATE_LIMIT_VAULT_OPERATIONS", 0),
		RateLimitRecovery:           envIntDefault("RATE_LIMIT_RECOVERY", 0),
		RateLimitWindowSeconds:      envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:         envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:            envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RedisAddr:                   os.Getenv("REDIS_ADDR"),
		RedisPassword:               os.Getenv("REDIS_PASSWORD"),
		RedisDB:                     envIntDefault("REDIS_DB", 0),
		LockBackend:                 envDefault("LOCK_BACKEND", "memory"),
		LockTTLSecs:                 envIntDefault("LOCK_TTL_SECONDS", 30),
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

// Validate checks backend selections and the settings each one needs.
func (c Config) Validate() error {
	switch c.RegistryBackend {
	case "memory", "badger":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when REGISTRY_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unsupported REGISTRY_BACKEND %q", c.RegistryBackend)
	}
	switch c.LockBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q", c.LockBackend)
	}
	for chain, cc := range c.Chains {
		if cc.RPCURL == "" {
			continue
		}
		if cc.SignerKeyHex == "" || cc.AttestorKey == "" {
			return fmt.Errorf("%s: signer and attestor keys are required with an RPC URL", chain)
		}
	}
	return nil
}

func (c Config) ChainCallTimeout() time.Duration {
	return millis(c.ChainCallTimeoutMs)
}

func (c Config) PropagationInitialBackoff() time.Duration {
	return millis(c.PropagationInitialBackoffMs)
}

func (c Config) PropagationMaxBackoff() time.Duration {
	return millis(c.PropagationMaxBackoffMs)
}

func (c Config) VerifyPollInterval() time.Duration {
	return millis(c.VerifyPollIntervalMs)
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// RateLimitRules is the budget of every HTTP rate-limit scope.
func (c Config) RateLimitRules() map[domain.RateLimitScope]domain.RateLimitRule {
	operations := c.RateLimitVaultOperations
	if operations <= 0 {
		operations = c.RateLimitRequests
	}
	recovery := c.RateLimitRecovery
	if recovery <= 0 {
		recovery = operations
	}
	window := c.RateLimitWindow()
	return map[domain.RateLimitScope]domain.RateLimitRule{
		domain.ScopeVaultRead:      {Limit: c.RateLimitRequests, Window: window},
		domain.ScopeVaultOperation: {Limit: operations, Window: window},
		domain.ScopeRecovery:       {Limit: recovery, Window: window},
	}
}

// RateLimited reports whether any scope has a budget.
func (c Config) RateLimited() bool {
	for _, rule := range c.RateLimitRules() {
		if rule.Limit > 0 {
			return true
		}
	}
	return false
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecs) * time.Second
}

func millis(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
