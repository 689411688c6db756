// Package order holds the liquidity order model and its execution audit log.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/quote"
)

// Type distinguishes fiat-to-crypto from crypto-to-fiat orders.
type Type string

const (
	TypeOnRamp  Type = "onramp"
	TypeOffRamp Type = "offramp"
)

// Status is the lifecycle state of an order. Transitions go through the
// store's compare-and-swap so concurrent processors cannot double-execute.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxRetries is the number of execution attempts before an order is marked
// failed for good.
const MaxRetries = 3

// LiquidityOrder is one conversion request moving through the pool.
type LiquidityOrder struct {
	ID                string           `json:"id"`
	OrderType         Type             `json:"order_type"`
	Status            Status           `json:"status"`
	UserWalletAddress string           `json:"user_wallet_address"`
	UserEmail         string           `json:"user_email,omitempty"`
	RequestedToken    string           `json:"requested_token"`
	RequestedAmount   decimal.Decimal  `json:"requested_amount"`
	FiatAmount        decimal.Decimal  `json:"fiat_amount"`
	FiatCurrency      string           `json:"fiat_currency"`
	ChainID           int64            `json:"chain_id"`
	Quote             quote.PriceQuote `json:"quote"`
	SwapTxHash        string           `json:"swap_tx_hash,omitempty"`
	TransferTxHash    string           `json:"transfer_tx_hash,omitempty"`
	ExecutedAt        time.Time        `json:"executed_at,omitempty"`
	CompletedAt       time.Time        `json:"completed_at,omitempty"`
	PaymentReference  string           `json:"payment_reference,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	RetryCount        int              `json:"retry_count"`
	NextAttemptAt     time.Time        `json:"next_attempt_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Terminal reports whether the order has reached a final state.
func (o LiquidityOrder) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// ExecutionLogEntry is one audit record of an order processing step.
type ExecutionLogEntry struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	StepName  string            `json:"step_name"`
	Status    string            `json:"status"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
