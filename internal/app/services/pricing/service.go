// Package pricing turns external market rates into quoted fiat<->crypto rates
// with the pool's configured markup or discount applied.
package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/quote"
	"github.com/openramp/poolengine/internal/config"
	"github.com/openramp/poolengine/pkg/logger"
)

var oneHundred = decimal.NewFromInt(100)

// Token identifies the asset being priced.
type Token struct {
	ChainID int64
	Address string
	Symbol  string
}

// SettlementResolver reports the settlement asset for a chain.
type SettlementResolver interface {
	Settlement(chainID int64) (config.SettlementAsset, error)
}

// Service quotes conversions. Rates come from the external oracle, cached with
// a short TTL; on oracle failure the static fallback table is used so quoting
// degrades rather than halts.
type Service struct {
	oracle      RateSource
	cache       *gocache.Cache
	static      map[string]map[string]decimal.Decimal
	settlements SettlementResolver
	markupPct   decimal.Decimal
	discountPct decimal.Decimal
	expirySecs  int
	log         *logger.Logger
}

// New constructs a pricing service. staticRates maps token symbol to currency
// to rate and serves as the oracle fallback.
func New(oracle RateSource, settlements SettlementResolver, cfg config.Pricing, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("pricing")
	}

	static := make(map[string]map[string]decimal.Decimal, len(cfg.StaticRates))
	for symbol, currencies := range cfg.StaticRates {
		static[strings.ToUpper(symbol)] = make(map[string]decimal.Decimal, len(currencies))
		for currency, raw := range currencies {
			rate, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("static rate %s/%s: %w", symbol, currency, err)
			}
			static[strings.ToUpper(symbol)][strings.ToUpper(currency)] = rate
		}
	}

	return &Service{
		oracle:      oracle,
		cache:       gocache.New(cfg.OracleCacheTTL, 2*cfg.OracleCacheTTL),
		static:      static,
		settlements: settlements,
		markupPct:   cfg.OnRampMarkupPct,
		discountPct: cfg.OffRampDiscountPct,
		expirySecs:  cfg.QuoteExpirySeconds,
		log:         log,
	}, nil
}

// OnRampQuote prices buying cryptoAmount of token with fiat currency. The
// quoted rate carries the configured markup on top of the market rate.
func (s *Service) OnRampQuote(ctx context.Context, token Token, cryptoAmount decimal.Decimal, currency string) (quote.PriceQuote, error) {
	return s.buildQuote(ctx, token, cryptoAmount, currency, s.markupPct)
}

// OffRampQuote prices selling cryptoAmount of token for fiat currency. The
// quoted rate carries the configured discount, reported as a negative
// percentage.
func (s *Service) OffRampQuote(ctx context.Context, token Token, cryptoAmount decimal.Decimal, currency string) (quote.PriceQuote, error) {
	return s.buildQuote(ctx, token, cryptoAmount, currency, s.discountPct.Neg())
}

// adjustmentPct is positive for a markup and negative for a discount.
func (s *Service) buildQuote(ctx context.Context, token Token, cryptoAmount decimal.Decimal, currency string, adjustmentPct decimal.Decimal) (quote.PriceQuote, error) {
	if !cryptoAmount.IsPositive() {
		return quote.PriceQuote{}, fmt.Errorf("amount must be positive")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return quote.PriceQuote{}, fmt.Errorf("currency is required")
	}

	externalRate, err := s.rate(ctx, token.Symbol, currency)
	if err != nil {
		return quote.PriceQuote{}, err
	}

	basePrice := cryptoAmount.Mul(externalRate)
	finalPrice := basePrice.Mul(decimal.NewFromInt(1).Add(adjustmentPct.Div(oneHundred)))
	yourRate := finalPrice.Div(cryptoAmount)

	requiresSwap, err := s.RequiresSwap(token)
	if err != nil {
		return quote.PriceQuote{}, err
	}

	return quote.PriceQuote{
		ExternalRate:        externalRate,
		YourRate:            yourRate,
		MarkupOrDiscountPct: adjustmentPct,
		FiatAmount:          finalPrice,
		CryptoAmount:        cryptoAmount,
		Currency:            currency,
		TokenSymbol:         strings.ToUpper(token.Symbol),
		ChainID:             token.ChainID,
		RequiresSwap:        requiresSwap,
		Timestamp:           time.Now().UTC(),
		ExpiresInSeconds:    s.expirySecs,
	}, nil
}

// RequiresSwap reports whether delivering the token needs an aggregator swap,
// i.e. the token is not the chain's settlement asset.
func (s *Service) RequiresSwap(token Token) (bool, error) {
	settlement, err := s.settlements.Settlement(token.ChainID)
	if err != nil {
		return false, err
	}
	return !strings.EqualFold(token.Address, settlement.Address), nil
}

// Valid reports whether the quote has not yet expired.
func (s *Service) Valid(q quote.PriceQuote) bool {
	return q.ValidAt(time.Now().UTC())
}

func (s *Service) rate(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error) {
	tokenSymbol = strings.ToUpper(strings.TrimSpace(tokenSymbol))
	cacheKey := tokenSymbol + "/" + currency

	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.(decimal.Decimal), nil
	}

	if s.oracle != nil {
		rate, err := s.oracle.GetRate(ctx, tokenSymbol, currency)
		if err == nil {
			s.cache.Set(cacheKey, rate, gocache.DefaultExpiration)
			return rate, nil
		}
		s.log.WithError(err).
			WithField("pair", cacheKey).
			Warn("rate oracle failed; using static fallback")
	}

	if currencies, ok := s.static[tokenSymbol]; ok {
		if rate, ok := currencies[currency]; ok {
			return rate, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no rate available for %s", cacheKey)
}
