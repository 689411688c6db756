package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/pkg/logger"
)

// RateSource retrieves an external market rate for a token in a fiat currency.
type RateSource interface {
	GetRate(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error)
}

// RateSourceFunc adapts a function to the RateSource interface.
type RateSourceFunc func(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error)

func (f RateSourceFunc) GetRate(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error) {
	return f(ctx, tokenSymbol, currency)
}

// HTTPOracle fetches rates from an external HTTP rate service.
type HTTPOracle struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPOracle constructs an oracle client for the given endpoint.
func NewHTTPOracle(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPOracle, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("oracle endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse oracle endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("rate-oracle")
	}
	return &HTTPOracle{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

// GetRate queries the oracle for one token/currency pair.
func (o *HTTPOracle) GetRate(ctx context.Context, tokenSymbol, currency string) (decimal.Decimal, error) {
	requestURL := *o.endpoint
	q := requestURL.Query()
	q.Set("symbol", strings.ToUpper(tokenSymbol))
	q.Set("currency", strings.ToUpper(currency))
	requestURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build oracle request: %w", err)
	}
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	var payload struct {
		Rate json.Number `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode oracle response: %w", err)
	}

	rate, err := decimal.NewFromString(payload.Rate.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse oracle rate %q: %w", payload.Rate, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("oracle returned non-positive rate %s for %s/%s", rate, tokenSymbol, currency)
	}
	return rate, nil
}
