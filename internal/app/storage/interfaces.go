package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/order"
	"github.com/openramp/poolengine/internal/app/domain/replenish"
	"github.com/openramp/poolengine/internal/app/domain/wallet"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a compare-and-swap transition loses a race.
var ErrConflict = errors.New("state transition conflict")

// WalletStore persists pool wallet rows.
type WalletStore interface {
	CreateWallet(ctx context.Context, w wallet.PoolWallet) (wallet.PoolWallet, error)
	UpdateWallet(ctx context.Context, w wallet.PoolWallet) (wallet.PoolWallet, error)
	GetWallet(ctx context.Context, id string) (wallet.PoolWallet, error)
	GetActiveWalletByChain(ctx context.Context, chainID int64) (wallet.PoolWallet, error)
	ListActiveWallets(ctx context.Context) ([]wallet.PoolWallet, error)
}

// BalanceStore persists per-(wallet, token) balance records.
type BalanceStore interface {
	UpsertBalance(ctx context.Context, rec balance.Record) (balance.Record, error)
	GetBalanceRecord(ctx context.Context, walletID, tokenAddress string) (balance.Record, error)
	// AdjustBalance applies delta atomically at the storage layer, flooring the
	// result at zero, and returns the updated record.
	AdjustBalance(ctx context.Context, walletID, tokenAddress string, delta decimal.Decimal) (balance.Record, error)
	ListBalances(ctx context.Context) ([]balance.Record, error)
	ListBalancesBelowWarning(ctx context.Context) ([]balance.Record, error)
}

// OrderStore persists liquidity orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error)
	UpdateOrder(ctx context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error)
	GetOrder(ctx context.Context, id string) (order.LiquidityOrder, error)
	GetOrderByReference(ctx context.Context, reference string) (order.LiquidityOrder, error)
	ListOrdersByStatus(ctx context.Context, status order.Status) ([]order.LiquidityOrder, error)
	// ListDueOrders returns pending orders whose next attempt time has passed.
	ListDueOrders(ctx context.Context, now time.Time) ([]order.LiquidityOrder, error)
	// TransitionOrderStatus moves an order between statuses as a single
	// compare-and-swap. It returns ErrConflict when the order is no longer in
	// the expected source status.
	TransitionOrderStatus(ctx context.Context, id string, from, to order.Status) error
}

// ExecutionLogStore appends audit entries for order processing steps.
type ExecutionLogStore interface {
	AppendExecutionLog(ctx context.Context, entry order.ExecutionLogEntry) (order.ExecutionLogEntry, error)
	ListExecutionLogs(ctx context.Context, orderID string) ([]order.ExecutionLogEntry, error)
}

// ReplenishmentStore persists replenishment jobs.
type ReplenishmentStore interface {
	CreateReplenishment(ctx context.Context, job replenish.Job) (replenish.Job, error)
	UpdateReplenishment(ctx context.Context, job replenish.Job) (replenish.Job, error)
	GetReplenishment(ctx context.Context, id string) (replenish.Job, error)
	ListReplenishments(ctx context.Context, status replenish.Status) ([]replenish.Job, error)
	// GetOpenReplenishment returns a pending or processing job for the pair, if
	// one exists, so the monitor does not open duplicates.
	GetOpenReplenishment(ctx context.Context, walletID, tokenAddress string) (replenish.Job, error)
}
