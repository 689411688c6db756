// Package executor performs the value movement for an order, preferring a
// direct pool transfer and falling back to an aggregator swap.
package executor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/services/wallets"
	"github.com/openramp/poolengine/internal/config"
	"github.com/openramp/poolengine/pkg/logger"
)

// Ledger is the slice of the balance ledger the executor needs.
type Ledger interface {
	HasPositiveBalance(ctx context.Context, chainID int64, token string) (bool, error)
	IncreaseBalance(ctx context.Context, chainID int64, token string, amount decimal.Decimal) (balance.Record, error)
	DecreaseBalance(ctx context.Context, chainID int64, token string, amount decimal.Decimal) (balance.Record, error)
}

// Registry is the slice of the wallet registry the executor needs.
type Registry interface {
	WalletAddress(ctx context.Context, chainID int64) (string, error)
	Settlement(chainID int64) (config.SettlementAsset, error)
	TokenDecimals(ctx context.Context, chainID int64, token string) (int32, error)
	SendNative(ctx context.Context, chainID int64, to string, amount decimal.Decimal) (string, error)
	SendERC20(ctx context.Context, chainID int64, token, to string, amount decimal.Decimal, decimals int32) (string, error)
	Approve(ctx context.Context, chainID int64, token, spender string, amount decimal.Decimal, decimals int32) (string, error)
	ExecuteTransaction(ctx context.Context, chainID int64, to string, data []byte, value *big.Int) (string, error)
	WaitForTransaction(ctx context.Context, chainID int64, hash string) error
}

// OnRampParams describes an on-ramp delivery.
type OnRampParams struct {
	ChainID    int64
	ToToken    string
	Amount     decimal.Decimal // amount of ToToken to deliver
	SwapBudget decimal.Decimal // settlement asset to spend when a swap is needed
	Recipient  string
}

// ExecutionResult reports the outcome of one execution attempt. Errors are
// carried in the result rather than raised so the order queue owns the retry
// decision.
type ExecutionResult struct {
	Success       bool
	TxHash        string
	RouteUsed     string
	Err           error
	ExecutionTime time.Duration
}

// Service moves value for orders.
type Service struct {
	ledger     Ledger
	registry   Registry
	aggregator Aggregator
	log        *logger.Logger
}

// New constructs a route executor.
func New(ledger Ledger, registry Registry, aggregator Aggregator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Service{
		ledger:     ledger,
		registry:   registry,
		aggregator: aggregator,
		log:        log,
	}
}

func failed(start time.Time, err error) ExecutionResult {
	return ExecutionResult{Err: err, ExecutionTime: time.Since(start)}
}

// ExecuteOnRamp delivers tokens to the user. When the pool already holds the
// token it transfers directly; otherwise it swaps the settlement asset into
// the token via the aggregator. The ledger is reconciled against what was
// actually spent, not the requested output amount.
func (s *Service) ExecuteOnRamp(ctx context.Context, p OnRampParams) ExecutionResult {
	start := time.Now()

	hasToken, err := s.ledger.HasPositiveBalance(ctx, p.ChainID, p.ToToken)
	if err != nil {
		return failed(start, fmt.Errorf("check pool holdings: %w", err))
	}

	if hasToken {
		return s.directTransfer(ctx, start, p)
	}
	return s.swapAndDeliver(ctx, start, p)
}

func (s *Service) directTransfer(ctx context.Context, start time.Time, p OnRampParams) ExecutionResult {
	var (
		txHash string
		err    error
	)
	if wallets.IsNativeToken(p.ToToken) {
		txHash, err = s.registry.SendNative(ctx, p.ChainID, p.Recipient, p.Amount)
	} else {
		var decimals int32
		decimals, err = s.registry.TokenDecimals(ctx, p.ChainID, p.ToToken)
		if err == nil {
			txHash, err = s.registry.SendERC20(ctx, p.ChainID, p.ToToken, p.Recipient, p.Amount, decimals)
		}
	}
	if err != nil {
		return failed(start, fmt.Errorf("direct transfer: %w", err))
	}

	if err := s.registry.WaitForTransaction(ctx, p.ChainID, txHash); err != nil {
		return failed(start, err)
	}

	if _, err := s.ledger.DecreaseBalance(ctx, p.ChainID, p.ToToken, p.Amount); err != nil {
		return failed(start, fmt.Errorf("ledger decrease after transfer %s: %w", txHash, err))
	}

	s.log.WithField("chain_id", p.ChainID).
		WithField("token", p.ToToken).
		WithField("tx_hash", txHash).
		Info("onramp direct transfer complete")
	return ExecutionResult{Success: true, TxHash: txHash, ExecutionTime: time.Since(start)}
}

func (s *Service) swapAndDeliver(ctx context.Context, start time.Time, p OnRampParams) ExecutionResult {
	settlement, err := s.registry.Settlement(p.ChainID)
	if err != nil {
		return failed(start, err)
	}
	poolAddr, err := s.registry.WalletAddress(ctx, p.ChainID)
	if err != nil {
		return failed(start, err)
	}

	routes, err := s.aggregator.FindRoutes(ctx, RouteRequest{
		Sender: RouteEndpoint{
			Address: poolAddr,
			Token:   settlement.Address,
			ChainID: p.ChainID,
			Amount:  p.SwapBudget,
		},
		Recipient: RouteEndpoint{
			Address: p.Recipient,
			Token:   p.ToToken,
			ChainID: p.ChainID,
		},
	})
	if err != nil {
		return failed(start, err)
	}

	txHash, route, err := s.executeRoute(ctx, p.ChainID, routes[0], settlement, p.SwapBudget)
	if err != nil {
		return failed(start, err)
	}

	// Reconcile against the route's reported input, not the requested output,
	// so a swap costing more than estimated is not under-accounted.
	spent := route.FromAmount
	if spent.IsZero() {
		spent = p.SwapBudget
	}
	if _, err := s.ledger.DecreaseBalance(ctx, p.ChainID, settlement.Address, spent); err != nil {
		return failed(start, fmt.Errorf("ledger decrease after swap %s: %w", txHash, err))
	}

	s.log.WithField("chain_id", p.ChainID).
		WithField("token", p.ToToken).
		WithField("provider", route.Provider).
		WithField("tx_hash", txHash).
		Info("onramp swap complete")
	return ExecutionResult{Success: true, TxHash: txHash, RouteUsed: route.Provider, ExecutionTime: time.Since(start)}
}

// ExecuteOffRamp converts tokens the user sent into the settlement asset. The
// ledger is only touched once the swap confirms: the received amount is
// credited and the route's actual input and output reconcile the token and
// settlement balances. A failed attempt leaves the ledger unchanged, so the
// queue can retry it without inflating the balance view.
func (s *Service) ExecuteOffRamp(ctx context.Context, chainID int64, token string, amount decimal.Decimal) ExecutionResult {
	start := time.Now()

	settlement, err := s.registry.Settlement(chainID)
	if err != nil {
		return failed(start, err)
	}

	poolAddr, err := s.registry.WalletAddress(ctx, chainID)
	if err != nil {
		return failed(start, err)
	}

	routes, err := s.aggregator.FindRoutes(ctx, RouteRequest{
		Sender: RouteEndpoint{
			Address: poolAddr,
			Token:   token,
			ChainID: chainID,
			Amount:  amount,
		},
		Recipient: RouteEndpoint{
			Address: poolAddr,
			Token:   settlement.Address,
			ChainID: chainID,
		},
	})
	if err != nil {
		return failed(start, err)
	}

	txHash, route, err := s.executeRoute(ctx, chainID, routes[0], config.SettlementAsset{Address: token}, amount)
	if err != nil {
		return failed(start, err)
	}

	if _, err := s.ledger.IncreaseBalance(ctx, chainID, token, amount); err != nil {
		return failed(start, fmt.Errorf("ledger credit received tokens: %w", err))
	}
	swapped := route.FromAmount
	if swapped.IsZero() {
		swapped = amount
	}
	if _, err := s.ledger.DecreaseBalance(ctx, chainID, token, swapped); err != nil {
		return failed(start, fmt.Errorf("ledger decrease swapped tokens: %w", err))
	}
	if route.ToAmount.IsPositive() {
		if _, err := s.ledger.IncreaseBalance(ctx, chainID, settlement.Address, route.ToAmount); err != nil {
			return failed(start, fmt.Errorf("ledger credit settlement proceeds: %w", err))
		}
	}

	s.log.WithField("chain_id", chainID).
		WithField("token", token).
		WithField("provider", route.Provider).
		WithField("tx_hash", txHash).
		Info("offramp swap complete")
	return ExecutionResult{Success: true, TxHash: txHash, RouteUsed: route.Provider, ExecutionTime: time.Since(start)}
}

// executeRoute submits the top route's first transaction, approving the
// input token for the route target when it is not the native asset. Routes
// with more than one leg are not supported; only the first leg executes.
func (s *Service) executeRoute(ctx context.Context, chainID int64, route Route, input config.SettlementAsset, inputAmount decimal.Decimal) (string, Route, error) {
	if len(route.Txs) == 0 {
		return "", route, ErrNoRouteFound
	}
	leg := route.Txs[0]

	if !wallets.IsNativeToken(input.Address) {
		decimals := input.Decimals
		if decimals == 0 {
			var err error
			decimals, err = s.registry.TokenDecimals(ctx, chainID, input.Address)
			if err != nil {
				return "", route, err
			}
		}
		approveHash, err := s.registry.Approve(ctx, chainID, input.Address, leg.To, inputAmount, decimals)
		if err != nil {
			return "", route, fmt.Errorf("approve route spender: %w", err)
		}
		if err := s.registry.WaitForTransaction(ctx, chainID, approveHash); err != nil {
			return "", route, fmt.Errorf("approve confirmation: %w", err)
		}
	}

	txHash, err := s.registry.ExecuteTransaction(ctx, chainID, leg.To, leg.Data, leg.Value)
	if err != nil {
		return "", route, fmt.Errorf("execute route transaction: %w", err)
	}
	if err := s.registry.WaitForTransaction(ctx, chainID, txHash); err != nil {
		return "", route, err
	}
	return txHash, route, nil
}
