// Package config loads the pool engine configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SettlementAsset identifies the chain's base stable token used as the
// intermediate asset for swaps.
type SettlementAsset struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// Chain describes one supported network.
type Chain struct {
	ChainID       int64           `yaml:"chain_id"`
	Name          string          `yaml:"name"`
	RPCURL        string          `yaml:"rpc_url"`
	PrivateKeyEnv string          `yaml:"private_key_env"`
	NativeSymbol  string          `yaml:"native_symbol"`
	NativeDecimal int32           `yaml:"native_decimals"`
	Settlement    SettlementAsset `yaml:"settlement_asset"`
}

// Pricing controls quote construction and the rate oracle.
type Pricing struct {
	OnRampMarkupPct    decimal.Decimal            `yaml:"onramp_markup_pct"`
	OffRampDiscountPct decimal.Decimal            `yaml:"offramp_discount_pct"`
	QuoteExpirySeconds int                        `yaml:"quote_expiry_seconds"`
	OracleURL          string                     `yaml:"oracle_url"`
	OracleAPIKeyEnv    string                     `yaml:"oracle_api_key_env"`
	OracleCacheTTL     time.Duration              `yaml:"oracle_cache_ttl"`
	StaticRates        map[string]map[string]string `yaml:"static_rates"` // symbol -> currency -> rate
}

// Executor controls route execution.
type Executor struct {
	AggregatorURL       string        `yaml:"aggregator_url"`
	AggregatorAPIKeyEnv string        `yaml:"aggregator_api_key_env"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
}

// Orders controls the order queue retry policy.
type Orders struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Replenishment controls the balance monitor.
type Replenishment struct {
	Schedule      string          `yaml:"schedule"`
	TargetBalance decimal.Decimal `yaml:"target_balance"`
	Method        string          `yaml:"method"`
}

// Payments configures the fiat payment gateway.
type Payments struct {
	BaseURL          string `yaml:"base_url"`
	SecretKeyEnv     string `yaml:"secret_key_env"`
	WebhookSecretEnv string `yaml:"webhook_secret_env"`
}

// Config is the full engine configuration.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	DatabaseURL   string        `yaml:"database_url"`
	Chains        []Chain       `yaml:"chains"`
	Pricing       Pricing       `yaml:"pricing"`
	Executor      Executor      `yaml:"executor"`
	Orders        Orders        `yaml:"orders"`
	Replenishment Replenishment `yaml:"replenishment"`
	Payments      Payments      `yaml:"payments"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("at least one chain must be configured")
	}
	for _, chain := range cfg.Chains {
		if chain.ChainID == 0 || chain.RPCURL == "" {
			return nil, fmt.Errorf("chain %q: chain_id and rpc_url are required", chain.Name)
		}
		if chain.Settlement.Address == "" {
			return nil, fmt.Errorf("chain %q: settlement_asset.address is required", chain.Name)
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Pricing.QuoteExpirySeconds <= 0 {
		c.Pricing.QuoteExpirySeconds = 300
	}
	if c.Pricing.OracleCacheTTL <= 0 {
		c.Pricing.OracleCacheTTL = time.Minute
	}
	if c.Executor.ConfirmationTimeout <= 0 {
		c.Executor.ConfirmationTimeout = 3 * time.Minute
	}
	if c.Orders.MaxRetries <= 0 {
		c.Orders.MaxRetries = 3
	}
	if c.Orders.RetryBackoff <= 0 {
		c.Orders.RetryBackoff = 30 * time.Second
	}
	if c.Orders.PollInterval <= 0 {
		c.Orders.PollInterval = 10 * time.Second
	}
	if c.Replenishment.Schedule == "" {
		c.Replenishment.Schedule = "@every 5m"
	}
	if c.Replenishment.TargetBalance.IsZero() {
		c.Replenishment.TargetBalance = decimal.NewFromInt(5000)
	}
	if c.Replenishment.Method == "" {
		c.Replenishment.Method = "manual"
	}
	for i := range c.Chains {
		if c.Chains[i].NativeDecimal == 0 {
			c.Chains[i].NativeDecimal = 18
		}
		if c.Chains[i].Settlement.Decimals == 0 {
			c.Chains[i].Settlement.Decimals = 6
		}
	}
}

// SecretFromEnv resolves a secret by environment variable name, returning an
// empty string when the variable is unset.
func SecretFromEnv(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
