package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/quote"
	"github.com/openramp/poolengine/internal/config"
)

type staticSettlements struct {
	asset config.SettlementAsset
}

func (s staticSettlements) Settlement(chainID int64) (config.SettlementAsset, error) {
	return s.asset, nil
}

var testSettlement = config.SettlementAsset{
	Address:  "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
	Symbol:   "USDC",
	Decimals: 6,
}

func newTestService(t *testing.T, oracle RateSource) *Service {
	t.Helper()
	svc, err := New(oracle, staticSettlements{testSettlement}, config.Pricing{
		OnRampMarkupPct:    decimal.NewFromFloat(1.5),
		OffRampDiscountPct: decimal.NewFromInt(1),
		QuoteExpirySeconds: 300,
		OracleCacheTTL:     time.Minute,
		StaticRates: map[string]map[string]string{
			"ETH": {"USD": "2000"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("new pricing service: %v", err)
	}
	return svc
}

func fixedRate(rate int64) RateSource {
	return RateSourceFunc(func(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error) {
		return decimal.NewFromInt(rate), nil
	})
}

func TestOnRampQuoteAppliesMarkup(t *testing.T) {
	svc := newTestService(t, fixedRate(2000))

	q, err := svc.OnRampQuote(context.Background(), Token{ChainID: 1, Address: "0xdead", Symbol: "ETH"},
		decimal.NewFromInt(2), "usd")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	// 2 ETH * 2000 = 4000 base, +1.5% markup = 4060.
	if q.FiatAmount.Cmp(decimal.NewFromInt(4060)) != 0 {
		t.Fatalf("fiat amount = %s, want 4060", q.FiatAmount)
	}
	if q.YourRate.Cmp(decimal.NewFromInt(2030)) != 0 {
		t.Fatalf("your rate = %s, want 2030", q.YourRate)
	}
	if q.ExternalRate.Cmp(decimal.NewFromInt(2000)) != 0 {
		t.Fatalf("external rate = %s, want 2000", q.ExternalRate)
	}
	if !q.MarkupOrDiscountPct.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("adjustment pct = %s, want 1.5", q.MarkupOrDiscountPct)
	}
	if q.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", q.Currency)
	}
	if !q.RequiresSwap {
		t.Fatal("non-settlement token must require a swap")
	}
}

func TestOffRampQuoteAppliesDiscount(t *testing.T) {
	svc := newTestService(t, fixedRate(2000))

	q, err := svc.OffRampQuote(context.Background(), Token{ChainID: 1, Address: "0xdead", Symbol: "ETH"},
		decimal.NewFromInt(1), "USD")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	// 2000 base, -1% discount = 1980 paid out.
	if q.FiatAmount.Cmp(decimal.NewFromInt(1980)) != 0 {
		t.Fatalf("fiat amount = %s, want 1980", q.FiatAmount)
	}
	if !q.MarkupOrDiscountPct.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("adjustment pct = %s, want -1", q.MarkupOrDiscountPct)
	}
	if q.YourRate.Cmp(decimal.NewFromInt(1980)) != 0 {
		t.Fatalf("your rate = %s, want 1980", q.YourRate)
	}
}

func TestSettlementTokenDoesNotRequireSwap(t *testing.T) {
	svc := newTestService(t, fixedRate(1))

	q, err := svc.OnRampQuote(context.Background(),
		Token{ChainID: 1, Address: testSettlement.Address, Symbol: "USDC"},
		decimal.NewFromInt(100), "USD")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.RequiresSwap {
		t.Fatal("settlement asset delivery must not require a swap")
	}
}

func TestStaticRateFallbackWhenOracleFails(t *testing.T) {
	failing := RateSourceFunc(func(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("oracle down")
	})
	svc := newTestService(t, failing)

	q, err := svc.OnRampQuote(context.Background(), Token{ChainID: 1, Address: "0xdead", Symbol: "ETH"},
		decimal.NewFromInt(1), "USD")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.ExternalRate.Cmp(decimal.NewFromInt(2000)) != 0 {
		t.Fatalf("external rate = %s, want 2000 from static table", q.ExternalRate)
	}
}

func TestUnknownPairFails(t *testing.T) {
	failing := RateSourceFunc(func(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("oracle down")
	})
	svc := newTestService(t, failing)

	if _, err := svc.OnRampQuote(context.Background(), Token{ChainID: 1, Address: "0xdead", Symbol: "DOGE"},
		decimal.NewFromInt(1), "USD"); err == nil {
		t.Fatal("expected error for pair without oracle or static rate")
	}
}

func TestRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t, fixedRate(2000))

	if _, err := svc.OnRampQuote(context.Background(), Token{ChainID: 1, Symbol: "ETH"},
		decimal.Zero, "USD"); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := svc.OffRampQuote(context.Background(), Token{ChainID: 1, Symbol: "ETH"},
		decimal.NewFromInt(-3), "USD"); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestQuoteValidity(t *testing.T) {
	q := quote.PriceQuote{Timestamp: time.Now().UTC(), ExpiresInSeconds: 300}
	if !q.ValidAt(time.Now().UTC()) {
		t.Fatal("fresh quote should be valid")
	}
	if q.ValidAt(time.Now().UTC().Add(301 * time.Second)) {
		t.Fatal("quote past expiry should be invalid")
	}
	if (quote.PriceQuote{}).ValidAt(time.Now().UTC()) {
		t.Fatal("zero quote should never be valid")
	}
}
