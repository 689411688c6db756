// Package balance holds the tracked pool balance model.
package balance

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status classifies a balance against its thresholds.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Record is the tracked balance for one (wallet, token) pair. Balance never
// goes below zero; the storage layer floors decrements.
type Record struct {
	ID                string          `json:"id"`
	WalletID          string          `json:"wallet_id"`
	TokenAddress      string          `json:"token_address"`
	TokenSymbol       string          `json:"token_symbol"`
	Balance           decimal.Decimal `json:"balance"`
	ThresholdWarning  decimal.Decimal `json:"threshold_warning"`
	ThresholdCritical decimal.Decimal `json:"threshold_critical"`
	LastUpdated       time.Time       `json:"last_updated"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Classify returns the health status of the record. A balance strictly below
// the critical threshold is critical; strictly below the warning threshold,
// warning. A balance sitting exactly on a threshold has not crossed it.
func (r Record) Classify() Status {
	if r.Balance.LessThan(r.ThresholdCritical) {
		return StatusCritical
	}
	if r.Balance.LessThan(r.ThresholdWarning) {
		return StatusWarning
	}
	return StatusHealthy
}

// CheckResult is the outcome of evaluating a balance against a requirement.
type CheckResult struct {
	HasBalance         bool            `json:"has_balance"`
	CurrentBalance     decimal.Decimal `json:"current_balance"`
	Status             Status          `json:"status"`
	NeedsReplenishment bool            `json:"needs_replenishment"`
}
