// Package ledger maintains the authoritative, persisted view of pool token
// balances with threshold-based health classification.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/wallet"
	"github.com/openramp/poolengine/internal/app/metrics"
	"github.com/openramp/poolengine/internal/app/storage"
	"github.com/openramp/poolengine/pkg/logger"
)

// Default thresholds applied when a record is created lazily, denominated in
// the settlement currency.
var (
	DefaultThresholdWarning  = decimal.NewFromInt(1000)
	DefaultThresholdCritical = decimal.NewFromInt(500)
)

// ChainReader is the slice of the wallet registry the ledger needs for live
// chain reads.
type ChainReader interface {
	Wallet(ctx context.Context, chainID int64) (wallet.PoolWallet, error)
	TokenBalance(ctx context.Context, chainID int64, token, addr string) (decimal.Decimal, error)
	KnownSymbol(chainID int64, token string) string
}

// Service owns all PoolBalanceRecord mutation. Concurrent adjustments on the
// same (wallet, token) pair serialize through the storage layer's atomic
// adjust plus a per-pair mutex guarding the lazy-create path.
type Service struct {
	store  storage.BalanceStore
	chains ChainReader
	log    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a ledger service.
func New(store storage.BalanceStore, chains ChainReader, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		store:  store,
		chains: chains,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) pairLock(walletID, token string) *sync.Mutex {
	key := walletID + "|" + strings.ToLower(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

// GetBalance returns the stored record for the chain's active wallet, or
// storage.ErrNotFound if none exists yet.
func (s *Service) GetBalance(ctx context.Context, chainID int64, token string) (balance.Record, error) {
	w, err := s.chains.Wallet(ctx, chainID)
	if err != nil {
		return balance.Record{}, err
	}
	return s.store.GetBalanceRecord(ctx, w.ID, token)
}

// UpdateBalanceFromChain reads the live chain balance and upserts the record,
// preserving any existing thresholds and symbol.
func (s *Service) UpdateBalanceFromChain(ctx context.Context, chainID int64, token string) (balance.Record, error) {
	w, err := s.chains.Wallet(ctx, chainID)
	if err != nil {
		return balance.Record{}, err
	}

	live, err := s.chains.TokenBalance(ctx, chainID, token, w.Address)
	if err != nil {
		return balance.Record{}, fmt.Errorf("read live balance: %w", err)
	}

	lock := s.pairLock(w.ID, token)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.GetBalanceRecord(ctx, w.ID, token)
	switch {
	case err == nil:
		rec.Balance = live
	case errors.Is(err, storage.ErrNotFound):
		rec = balance.Record{
			WalletID:          w.ID,
			TokenAddress:      token,
			TokenSymbol:       s.chains.KnownSymbol(chainID, token),
			Balance:           live,
			ThresholdWarning:  DefaultThresholdWarning,
			ThresholdCritical: DefaultThresholdCritical,
		}
	default:
		return balance.Record{}, err
	}

	updated, err := s.store.UpsertBalance(ctx, rec)
	if err != nil {
		return balance.Record{}, fmt.Errorf("persist balance: %w", err)
	}
	exportBalance(updated)
	s.log.WithField("wallet_id", w.ID).
		WithField("token", token).
		WithField("balance", updated.Balance.String()).
		Debug("balance reconciled from chain")
	return updated, nil
}

// CheckBalance evaluates whether the pool can cover requiredAmount and
// classifies the balance health. A missing record triggers a live chain
// reconciliation first. An unsatisfiable requirement flags replenishment even
// when thresholds are otherwise healthy.
func (s *Service) CheckBalance(ctx context.Context, chainID int64, token string, requiredAmount decimal.Decimal) (balance.CheckResult, error) {
	rec, err := s.GetBalance(ctx, chainID, token)
	if errors.Is(err, storage.ErrNotFound) {
		rec, err = s.UpdateBalanceFromChain(ctx, chainID, token)
	}
	if err != nil {
		return balance.CheckResult{}, err
	}

	status := rec.Classify()
	hasBalance := rec.Balance.GreaterThanOrEqual(requiredAmount)
	return balance.CheckResult{
		HasBalance:         hasBalance,
		CurrentBalance:     rec.Balance,
		Status:             status,
		NeedsReplenishment: status != balance.StatusHealthy || !hasBalance,
	}, nil
}

// HasPositiveBalance reports whether the pool holds any of the token.
func (s *Service) HasPositiveBalance(ctx context.Context, chainID int64, token string) (bool, error) {
	rec, err := s.GetBalance(ctx, chainID, token)
	if errors.Is(err, storage.ErrNotFound) {
		rec, err = s.UpdateBalanceFromChain(ctx, chainID, token)
	}
	if err != nil {
		return false, err
	}
	return rec.Balance.IsPositive(), nil
}

// IncreaseBalance adds amount to the stored balance, lazily creating the
// record with default thresholds.
func (s *Service) IncreaseBalance(ctx context.Context, chainID int64, token string, amount decimal.Decimal) (balance.Record, error) {
	return s.adjust(ctx, chainID, token, amount)
}

// DecreaseBalance subtracts amount from the stored balance, flooring at zero.
func (s *Service) DecreaseBalance(ctx context.Context, chainID int64, token string, amount decimal.Decimal) (balance.Record, error) {
	return s.adjust(ctx, chainID, token, amount.Neg())
}

func (s *Service) adjust(ctx context.Context, chainID int64, token string, delta decimal.Decimal) (balance.Record, error) {
	if delta.IsZero() {
		return s.GetBalance(ctx, chainID, token)
	}

	w, err := s.chains.Wallet(ctx, chainID)
	if err != nil {
		return balance.Record{}, err
	}

	lock := s.pairLock(w.ID, token)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.AdjustBalance(ctx, w.ID, token, delta)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := s.store.UpsertBalance(ctx, balance.Record{
			WalletID:          w.ID,
			TokenAddress:      token,
			TokenSymbol:       s.chains.KnownSymbol(chainID, token),
			Balance:           decimal.Zero,
			ThresholdWarning:  DefaultThresholdWarning,
			ThresholdCritical: DefaultThresholdCritical,
		}); err != nil {
			return balance.Record{}, fmt.Errorf("initialize balance record: %w", err)
		}
		rec, err = s.store.AdjustBalance(ctx, w.ID, token, delta)
		if err != nil {
			return balance.Record{}, err
		}
		exportBalance(rec)
		return rec, nil
	}
	if err != nil {
		return balance.Record{}, err
	}
	exportBalance(rec)
	return rec, nil
}

// exportBalance mirrors the persisted balance into the pool balance gauge.
func exportBalance(rec balance.Record) {
	v, _ := rec.Balance.Float64()
	metrics.PoolBalance.WithLabelValues(rec.WalletID, strings.ToLower(rec.TokenAddress)).Set(v)
}

// AllBalances returns every stored balance record.
func (s *Service) AllBalances(ctx context.Context) ([]balance.Record, error) {
	return s.store.ListBalances(ctx)
}

// BalancesNeedingReplenishment returns records below their warning threshold.
func (s *Service) BalancesNeedingReplenishment(ctx context.Context) ([]balance.Record, error) {
	return s.store.ListBalancesBelowWarning(ctx)
}
