// Package orders runs the liquidity order queue: accepting orders with a
// fresh quote, claiming them for execution, and applying the retry policy.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/order"
	"github.com/openramp/poolengine/internal/app/domain/quote"
	"github.com/openramp/poolengine/internal/app/metrics"
	"github.com/openramp/poolengine/internal/app/services/executor"
	"github.com/openramp/poolengine/internal/app/services/pricing"
	"github.com/openramp/poolengine/internal/app/services/wallets"
	"github.com/openramp/poolengine/internal/app/storage"
	"github.com/openramp/poolengine/internal/config"
	"github.com/openramp/poolengine/pkg/logger"
)

var (
	// ErrInvalidOrder is returned when a create request fails validation.
	ErrInvalidOrder = errors.New("invalid order request")

	// ErrInsufficientPoolBalance is returned when the pool can cover the
	// order neither from token holdings nor from the settlement asset.
	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")

	// ErrNotDue is returned when a requeued order is processed before its
	// retry backoff has elapsed.
	ErrNotDue = errors.New("order is not yet due for retry")
)

// Store is the persistence surface the queue needs.
type Store interface {
	storage.OrderStore
	storage.ExecutionLogStore
}

// Pricer issues quotes for orders.
type Pricer interface {
	OnRampQuote(ctx context.Context, token pricing.Token, cryptoAmount decimal.Decimal, currency string) (quote.PriceQuote, error)
	OffRampQuote(ctx context.Context, token pricing.Token, cryptoAmount decimal.Decimal, currency string) (quote.PriceQuote, error)
}

// Executor moves value for a claimed order.
type Executor interface {
	ExecuteOnRamp(ctx context.Context, p executor.OnRampParams) executor.ExecutionResult
	ExecuteOffRamp(ctx context.Context, chainID int64, token string, amount decimal.Decimal) executor.ExecutionResult
}

// BalanceChecker is the slice of the ledger the queue consults before
// executing an on-ramp.
type BalanceChecker interface {
	CheckBalance(ctx context.Context, chainID int64, token string, requiredAmount decimal.Decimal) (balance.CheckResult, error)
}

// SettlementResolver maps a chain to its settlement asset.
type SettlementResolver interface {
	Settlement(chainID int64) (config.SettlementAsset, error)
}

// Queue coordinates order intake and execution.
type Queue struct {
	store       Store
	pricer      Pricer
	exec        Executor
	ledger      BalanceChecker
	settlements SettlementResolver
	maxRetries  int
	backoff     time.Duration
	log         *logger.Logger
	now         func() time.Time
}

// New constructs an order queue using the configured retry policy.
func New(store Store, pricer Pricer, exec Executor, ledger BalanceChecker, settlements SettlementResolver, cfg config.Orders, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = order.MaxRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &Queue{
		store:       store,
		pricer:      pricer,
		exec:        exec,
		ledger:      ledger,
		settlements: settlements,
		maxRetries:  maxRetries,
		backoff:     backoff,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderRequest is the intake payload for a new order.
type CreateOrderRequest struct {
	OrderType         order.Type
	UserWalletAddress string
	UserEmail         string
	ChainID           int64
	TokenAddress      string
	TokenSymbol       string
	Amount            decimal.Decimal
	FiatCurrency      string
	PaymentReference  string
}

func (r CreateOrderRequest) validate() error {
	switch r.OrderType {
	case order.TypeOnRamp, order.TypeOffRamp:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, r.OrderType)
	}
	if r.UserWalletAddress == "" {
		return fmt.Errorf("%w: user wallet address is required", ErrInvalidOrder)
	}
	if r.ChainID == 0 {
		return fmt.Errorf("%w: chain id is required", ErrInvalidOrder)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if r.TokenSymbol == "" {
		return fmt.Errorf("%w: token symbol is required", ErrInvalidOrder)
	}
	if r.FiatCurrency == "" {
		return fmt.Errorf("%w: fiat currency is required", ErrInvalidOrder)
	}
	return nil
}

// CreateOrder prices the request and enqueues it as pending.
func (q *Queue) CreateOrder(ctx context.Context, req CreateOrderRequest) (order.LiquidityOrder, error) {
	if err := req.validate(); err != nil {
		return order.LiquidityOrder{}, err
	}

	pq, err := q.quoteFor(ctx, req.OrderType, req.ChainID, req.TokenAddress, req.TokenSymbol, req.Amount, req.FiatCurrency)
	if err != nil {
		return order.LiquidityOrder{}, fmt.Errorf("price order: %w", err)
	}

	o := order.LiquidityOrder{
		OrderType:         req.OrderType,
		Status:            order.StatusPending,
		UserWalletAddress: req.UserWalletAddress,
		UserEmail:         req.UserEmail,
		RequestedToken:    strings.ToLower(req.TokenAddress),
		RequestedAmount:   req.Amount,
		FiatAmount:        pq.FiatAmount,
		FiatCurrency:      pq.Currency,
		ChainID:           req.ChainID,
		Quote:             pq,
		PaymentReference:  req.PaymentReference,
	}

	created, err := q.store.CreateOrder(ctx, o)
	if err != nil {
		return order.LiquidityOrder{}, fmt.Errorf("persist order: %w", err)
	}

	metrics.OrdersCreated.WithLabelValues(string(created.OrderType)).Inc()
	q.log.WithField("order_id", created.ID).
		WithField("type", string(created.OrderType)).
		WithField("chain_id", created.ChainID).
		Info("order created")
	return created, nil
}

// GetOrder returns one order by id.
func (q *Queue) GetOrder(ctx context.Context, id string) (order.LiquidityOrder, error) {
	return q.store.GetOrder(ctx, id)
}

// GetOrderByReference returns the order tied to a payment reference.
func (q *Queue) GetOrderByReference(ctx context.Context, reference string) (order.LiquidityOrder, error) {
	return q.store.GetOrderByReference(ctx, reference)
}

// ListOrders returns orders in the given status.
func (q *Queue) ListOrders(ctx context.Context, status order.Status) ([]order.LiquidityOrder, error) {
	return q.store.ListOrdersByStatus(ctx, status)
}

// ExecutionLogs returns the audit trail for an order.
func (q *Queue) ExecutionLogs(ctx context.Context, orderID string) ([]order.ExecutionLogEntry, error) {
	return q.store.ListExecutionLogs(ctx, orderID)
}

// ProcessOrder claims a pending order and executes it. The claim is a
// compare-and-swap on status, so concurrent processors of the same order see
// storage.ErrConflict and back off. Failed attempts are requeued as pending
// with an exponential backoff until the retry limit, except confirmation
// timeouts, which need manual reconciliation and are never retried.
func (q *Queue) ProcessOrder(ctx context.Context, id string) (order.LiquidityOrder, error) {
	o, err := q.store.GetOrder(ctx, id)
	if err != nil {
		return order.LiquidityOrder{}, err
	}
	if o.Terminal() {
		return o, nil
	}
	// A requeued order waits out its backoff no matter who asks, so a
	// duplicate webhook or a manual trigger cannot bypass the retry policy.
	if !o.NextAttemptAt.IsZero() && o.NextAttemptAt.After(q.now()) {
		return o, fmt.Errorf("%w: next attempt at %s", ErrNotDue, o.NextAttemptAt.Format(time.RFC3339))
	}

	if err := q.store.TransitionOrderStatus(ctx, o.ID, order.StatusPending, order.StatusProcessing); err != nil {
		return order.LiquidityOrder{}, err
	}
	o.Status = order.StatusProcessing

	q.appendLog(ctx, o.ID, "execution_start", "ok", map[string]string{
		"attempt": fmt.Sprintf("%d", o.RetryCount+1),
	})

	o, err = q.refreshQuote(ctx, o)
	if err != nil {
		return q.recordFailure(ctx, o, err, false)
	}

	switch o.OrderType {
	case order.TypeOnRamp:
		return q.executeOnRamp(ctx, o)
	case order.TypeOffRamp:
		return q.executeOffRamp(ctx, o)
	default:
		return q.recordFailure(ctx, o, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, o.OrderType), false)
	}
}

func (q *Queue) executeOnRamp(ctx context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error) {
	// The settlement budget is what the swap may spend: the order's crypto
	// amount at the external market rate, without the markup the user pays.
	budget := o.RequestedAmount.Mul(o.Quote.ExternalRate)

	covered, err := q.poolCoversOnRamp(ctx, o, budget)
	if err != nil {
		return q.recordFailure(ctx, o, err, false)
	}
	if !covered {
		return q.recordFailure(ctx, o, ErrInsufficientPoolBalance, false)
	}

	res := q.exec.ExecuteOnRamp(ctx, executor.OnRampParams{
		ChainID:    o.ChainID,
		ToToken:    o.RequestedToken,
		Amount:     o.RequestedAmount,
		SwapBudget: budget,
		Recipient:  o.UserWalletAddress,
	})
	return q.finish(ctx, o, res)
}

func (q *Queue) executeOffRamp(ctx context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error) {
	res := q.exec.ExecuteOffRamp(ctx, o.ChainID, o.RequestedToken, o.RequestedAmount)
	return q.finish(ctx, o, res)
}

// poolCoversOnRamp reports whether the pool can deliver the order, either
// from token holdings directly or from the settlement asset via a swap.
func (q *Queue) poolCoversOnRamp(ctx context.Context, o order.LiquidityOrder, budget decimal.Decimal) (bool, error) {
	check, err := q.ledger.CheckBalance(ctx, o.ChainID, o.RequestedToken, o.RequestedAmount)
	if err != nil {
		return false, fmt.Errorf("check token balance: %w", err)
	}
	if check.HasBalance {
		return true, nil
	}

	settlement, err := q.settlements.Settlement(o.ChainID)
	if err != nil {
		return false, err
	}
	if strings.EqualFold(settlement.Address, o.RequestedToken) {
		return false, nil
	}
	check, err = q.ledger.CheckBalance(ctx, o.ChainID, settlement.Address, budget)
	if err != nil {
		return false, fmt.Errorf("check settlement balance: %w", err)
	}
	return check.HasBalance, nil
}

func (q *Queue) finish(ctx context.Context, o order.LiquidityOrder, res executor.ExecutionResult) (order.LiquidityOrder, error) {
	if !res.Success {
		timedOut := errors.Is(res.Err, wallets.ErrConfirmationTimeout)
		return q.recordFailure(ctx, o, res.Err, timedOut)
	}

	now := q.now()
	o.Status = order.StatusCompleted
	o.ExecutedAt = now
	o.CompletedAt = now
	o.ErrorMessage = ""
	if res.RouteUsed != "" {
		o.SwapTxHash = res.TxHash
	} else {
		o.TransferTxHash = res.TxHash
	}

	updated, err := q.store.UpdateOrder(ctx, o)
	if err != nil {
		return order.LiquidityOrder{}, fmt.Errorf("persist completed order: %w", err)
	}

	q.appendLog(ctx, o.ID, "execution_complete", "ok", map[string]string{
		"tx_hash":  res.TxHash,
		"route":    res.RouteUsed,
		"duration": res.ExecutionTime.String(),
	})
	metrics.OrdersProcessed.WithLabelValues(string(o.OrderType), "completed").Inc()
	metrics.OrderExecutionSeconds.WithLabelValues(string(o.OrderType)).Observe(res.ExecutionTime.Seconds())

	q.log.WithField("order_id", o.ID).
		WithField("tx_hash", res.TxHash).
		Info("order completed")
	return updated, nil
}

// recordFailure applies the retry policy. permanent short-circuits the retry
// loop for failures where a retry could double-spend, such as a transaction
// whose confirmation window expired while it may still land on chain.
func (q *Queue) recordFailure(ctx context.Context, o order.LiquidityOrder, cause error, permanent bool) (order.LiquidityOrder, error) {
	o.RetryCount++
	o.ErrorMessage = cause.Error()

	exhausted := o.RetryCount >= q.maxRetries
	if permanent || exhausted {
		o.Status = order.StatusFailed
		o.NextAttemptAt = time.Time{}
	} else {
		o.Status = order.StatusPending
		o.NextAttemptAt = q.now().Add(q.backoffFor(o.RetryCount))
	}

	updated, err := q.store.UpdateOrder(ctx, o)
	if err != nil {
		return order.LiquidityOrder{}, fmt.Errorf("persist failed attempt: %w", err)
	}

	q.appendLog(ctx, o.ID, "execution_error", "error", map[string]string{
		"error":   cause.Error(),
		"attempt": fmt.Sprintf("%d", o.RetryCount),
	})

	entry := q.log.WithError(cause).
		WithField("order_id", o.ID).
		WithField("attempt", o.RetryCount)
	if updated.Status == order.StatusFailed {
		metrics.OrdersProcessed.WithLabelValues(string(o.OrderType), "failed").Inc()
		if permanent {
			entry.Error("order failed, needs manual reconciliation")
		} else {
			entry.Error("order failed after retries")
		}
	} else {
		metrics.OrdersProcessed.WithLabelValues(string(o.OrderType), "retry").Inc()
		entry.WithField("next_attempt_at", updated.NextAttemptAt.Format(time.RFC3339)).
			Warn("order attempt failed, requeued")
	}
	return updated, cause
}

// backoffFor doubles the base backoff per prior attempt.
func (q *Queue) backoffFor(attempt int) time.Duration {
	d := q.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// refreshQuote re-prices the order when its quote expired while waiting in
// the queue, so stale rates are never executed.
func (q *Queue) refreshQuote(ctx context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error) {
	if o.Quote.ValidAt(q.now()) {
		return o, nil
	}

	pq, err := q.quoteFor(ctx, o.OrderType, o.ChainID, o.RequestedToken, o.Quote.TokenSymbol, o.RequestedAmount, o.FiatCurrency)
	if err != nil {
		return o, fmt.Errorf("refresh expired quote: %w", err)
	}
	o.Quote = pq
	o.FiatAmount = pq.FiatAmount

	updated, err := q.store.UpdateOrder(ctx, o)
	if err != nil {
		return o, fmt.Errorf("persist refreshed quote: %w", err)
	}
	q.appendLog(ctx, o.ID, "quote_refreshed", "ok", map[string]string{
		"your_rate": pq.YourRate.String(),
	})
	return updated, nil
}

func (q *Queue) quoteFor(ctx context.Context, typ order.Type, chainID int64, tokenAddress, tokenSymbol string, amount decimal.Decimal, currency string) (quote.PriceQuote, error) {
	token := pricing.Token{ChainID: chainID, Address: tokenAddress, Symbol: tokenSymbol}
	if typ == order.TypeOffRamp {
		return q.pricer.OffRampQuote(ctx, token, amount, currency)
	}
	return q.pricer.OnRampQuote(ctx, token, amount, currency)
}

func (q *Queue) appendLog(ctx context.Context, orderID, step, status string, data map[string]string) {
	entry := order.ExecutionLogEntry{
		OrderID:  orderID,
		StepName: step,
		Status:   status,
		Data:     data,
	}
	if _, err := q.store.AppendExecutionLog(ctx, entry); err != nil {
		q.log.WithError(err).
			WithField("order_id", orderID).
			WithField("step", step).
			Warn("append execution log failed")
	}
}
