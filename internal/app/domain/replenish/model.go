// Package replenish holds the pool replenishment job model.
package replenish

import (
	"time"

	"github.com/shopspring/decimal"
)

// Method is how a replenishment is fulfilled.
type Method string

const (
	MethodManual   Method = "manual"
	MethodExternal Method = "external"
	MethodSwap     Method = "swap"
)

// Status is the lifecycle state of a replenishment job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job records a detected shortfall and its fulfillment. At most one open job
// exists per (wallet, token) pair.
type Job struct {
	ID             string          `json:"id"`
	WalletID       string          `json:"wallet_id"`
	TokenAddress   string          `json:"token_address"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TargetBalance  decimal.Decimal `json:"target_balance"`
	AmountNeeded   decimal.Decimal `json:"amount_needed"`
	Method         Method          `json:"method"`
	Status         Status          `json:"status"`
	TxHash         string          `json:"tx_hash,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
}

// Open reports whether the job still needs fulfillment.
func (j Job) Open() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}
