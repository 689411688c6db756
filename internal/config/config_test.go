package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poolengine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
chains:
  - chain_id: 1
    name: ethereum
    rpc_url: https://rpc.example
    settlement_asset:
      address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
      symbol: USDC
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Pricing.QuoteExpirySeconds != 300 {
		t.Fatalf("quote expiry = %d", cfg.Pricing.QuoteExpirySeconds)
	}
	if cfg.Orders.MaxRetries != 3 || cfg.Orders.RetryBackoff != 30*time.Second {
		t.Fatalf("orders defaults = %+v", cfg.Orders)
	}
	if cfg.Executor.ConfirmationTimeout != 3*time.Minute {
		t.Fatalf("confirmation timeout = %s", cfg.Executor.ConfirmationTimeout)
	}
	if cfg.Replenishment.Schedule != "@every 5m" || cfg.Replenishment.Method != "manual" {
		t.Fatalf("replenishment defaults = %+v", cfg.Replenishment)
	}
	if !cfg.Replenishment.TargetBalance.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("target balance = %s", cfg.Replenishment.TargetBalance)
	}
	if cfg.Chains[0].NativeDecimal != 18 || cfg.Chains[0].Settlement.Decimals != 6 {
		t.Fatalf("chain decimal defaults = %+v", cfg.Chains[0])
	}
}

func TestLoadEnvOverridesDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := Load(writeConfig(t, "database_url: postgres://file/db\n"+minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Fatalf("database url = %q, want env value", cfg.DatabaseURL)
	}
}

func TestLoadRejectsIncompleteChains(t *testing.T) {
	cases := map[string]string{
		"no chains": "listen_addr: :9090\n",
		"missing rpc": `
chains:
  - chain_id: 1
    name: ethereum
    settlement_asset:
      address: "0xabc"
`,
		"missing settlement": `
chains:
  - chain_id: 1
    name: ethereum
    rpc_url: https://rpc.example
`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv("POOLENGINE_TEST_SECRET", "sk_live")

	if got := SecretFromEnv("POOLENGINE_TEST_SECRET"); got != "sk_live" {
		t.Fatalf("secret = %q", got)
	}
	if got := SecretFromEnv(""); got != "" {
		t.Fatalf("empty env name returned %q", got)
	}
	if got := SecretFromEnv("POOLENGINE_TEST_UNSET"); got != "" {
		t.Fatalf("unset env returned %q", got)
	}
}
