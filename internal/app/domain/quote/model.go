// Package quote holds the price quote model.
package quote

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote captures the priced terms of a conversion at a point in time.
// YourRate is the external market rate with the configured markup or discount
// applied; MarkupOrDiscountPct is negative for off-ramp discounts.
type PriceQuote struct {
	ExternalRate        decimal.Decimal `json:"external_rate"`
	YourRate            decimal.Decimal `json:"your_rate"`
	MarkupOrDiscountPct decimal.Decimal `json:"markup_or_discount_pct"`
	FiatAmount          decimal.Decimal `json:"fiat_amount"`
	CryptoAmount        decimal.Decimal `json:"crypto_amount"`
	Currency            string          `json:"currency"`
	TokenSymbol         string          `json:"token_symbol"`
	ChainID             int64           `json:"chain_id"`
	RequiresSwap        bool            `json:"requires_swap"`
	Timestamp           time.Time       `json:"timestamp"`
	ExpiresInSeconds    int             `json:"expires_in_seconds"`
}

// ValidAt reports whether the quote is still usable at the given time.
func (q PriceQuote) ValidAt(now time.Time) bool {
	if q.Timestamp.IsZero() {
		return false
	}
	expiry := q.Timestamp.Add(time.Duration(q.ExpiresInSeconds) * time.Second)
	return now.Before(expiry)
}
