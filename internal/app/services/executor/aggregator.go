package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/pkg/logger"
)

// ErrNoRouteFound is returned when the aggregator has no executable route for
// the requested conversion.
var ErrNoRouteFound = errors.New("no route found for conversion")

// RouteEndpoint describes one side of a requested conversion.
type RouteEndpoint struct {
	Address string
	Token   string
	ChainID int64
	Amount  decimal.Decimal // sender side only
}

// RouteRequest asks the aggregator for an executable on-chain route.
type RouteRequest struct {
	Sender    RouteEndpoint
	Recipient RouteEndpoint
}

// RouteTransaction is one executable leg of a route.
type RouteTransaction struct {
	ChainID int64
	To      string
	Data    []byte
	Value   *big.Int
}

// Route is one executable path returned by the aggregator, ranked best-first.
type Route struct {
	Provider   string
	FromAmount decimal.Decimal
	ToAmount   decimal.Decimal
	Txs        []RouteTransaction
}

// Aggregator finds executable routes between two assets.
type Aggregator interface {
	FindRoutes(ctx context.Context, req RouteRequest) ([]Route, error)
}

// HTTPAggregator talks to the external route aggregation service.
type HTTPAggregator struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

var _ Aggregator = (*HTTPAggregator)(nil)

// NewHTTPAggregator constructs an aggregator client for the given endpoint.
func NewHTTPAggregator(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPAggregator, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("aggregator endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse aggregator endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("aggregator")
	}
	return &HTTPAggregator{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

type aggregatorEndpoint struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Chain   int64  `json:"chain"`
	Amount  string `json:"amount,omitempty"`
}

type aggregatorTransaction struct {
	ChainID int64  `json:"chainId"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
}

type aggregatorRoute struct {
	ProviderName string                  `json:"providerName"`
	FromAmount   string                  `json:"fromAmount"`
	ToAmount     string                  `json:"toAmount"`
	Transactions []aggregatorTransaction `json:"transactions"`
}

// FindRoutes requests routes for the conversion. The returned slice keeps the
// aggregator's ranking, best route first.
func (a *HTTPAggregator) FindRoutes(ctx context.Context, req RouteRequest) ([]Route, error) {
	payload := struct {
		Sender    aggregatorEndpoint `json:"sender"`
		Recipient aggregatorEndpoint `json:"recipient"`
	}{
		Sender: aggregatorEndpoint{
			Address: req.Sender.Address,
			Token:   req.Sender.Token,
			Chain:   req.Sender.ChainID,
			Amount:  req.Sender.Amount.String(),
		},
		Recipient: aggregatorEndpoint{
			Address: req.Recipient.Address,
			Token:   req.Recipient.Token,
			Chain:   req.Recipient.ChainID,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build route request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("aggregator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregator status %d", resp.StatusCode)
	}

	var decoded struct {
		Routes []aggregatorRoute `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode aggregator response: %w", err)
	}
	if len(decoded.Routes) == 0 {
		return nil, ErrNoRouteFound
	}

	routes := make([]Route, 0, len(decoded.Routes))
	for _, raw := range decoded.Routes {
		route, err := parseRoute(raw)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func parseRoute(raw aggregatorRoute) (Route, error) {
	route := Route{Provider: raw.ProviderName}

	var err error
	if raw.FromAmount != "" {
		if route.FromAmount, err = decimal.NewFromString(raw.FromAmount); err != nil {
			return Route{}, fmt.Errorf("route %s fromAmount %q: %w", raw.ProviderName, raw.FromAmount, err)
		}
	}
	if raw.ToAmount != "" {
		if route.ToAmount, err = decimal.NewFromString(raw.ToAmount); err != nil {
			return Route{}, fmt.Errorf("route %s toAmount %q: %w", raw.ProviderName, raw.ToAmount, err)
		}
	}

	for _, tx := range raw.Transactions {
		data, err := hexutil.Decode(tx.Data)
		if err != nil {
			return Route{}, fmt.Errorf("route %s calldata: %w", raw.ProviderName, err)
		}
		value := big.NewInt(0)
		if tx.Value != "" && tx.Value != "0" {
			parsed, ok := new(big.Int).SetString(strings.TrimPrefix(tx.Value, "0x"), baseFor(tx.Value))
			if !ok {
				return Route{}, fmt.Errorf("route %s value %q", raw.ProviderName, tx.Value)
			}
			value = parsed
		}
		route.Txs = append(route.Txs, RouteTransaction{
			ChainID: tx.ChainID,
			To:      tx.To,
			Data:    data,
			Value:   value,
		})
	}
	return route, nil
}

func baseFor(value string) int {
	if strings.HasPrefix(value, "0x") {
		return 16
	}
	return 10
}
