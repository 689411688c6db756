package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/order"
	"github.com/openramp/poolengine/internal/app/domain/replenish"
	"github.com/openramp/poolengine/internal/app/domain/wallet"
	"github.com/openramp/poolengine/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu             sync.RWMutex
	nextID         int64
	wallets        map[string]wallet.PoolWallet
	balances       map[string]balance.Record // key: walletID|tokenAddress
	orders         map[string]order.LiquidityOrder
	ordersByRef    map[string]string
	executionLogs  map[string][]order.ExecutionLogEntry
	replenishments map[string]replenish.Job
}

var _ storage.WalletStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.ExecutionLogStore = (*Store)(nil)
var _ storage.ReplenishmentStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:         1,
		wallets:        make(map[string]wallet.PoolWallet),
		balances:       make(map[string]balance.Record),
		orders:         make(map[string]order.LiquidityOrder),
		ordersByRef:    make(map[string]string),
		executionLogs:  make(map[string][]order.ExecutionLogEntry),
		replenishments: make(map[string]replenish.Job),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func balanceKey(walletID, tokenAddress string) string {
	return walletID + "|" + strings.ToLower(tokenAddress)
}

// WalletStore implementation -------------------------------------------------

func (s *Store) CreateWallet(_ context.Context, w wallet.PoolWallet) (wallet.PoolWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = s.nextIDLocked()
	} else if _, exists := s.wallets[w.ID]; exists {
		return wallet.PoolWallet{}, fmt.Errorf("wallet %s already exists", w.ID)
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	s.wallets[w.ID] = w
	return w, nil
}

func (s *Store) UpdateWallet(_ context.Context, w wallet.PoolWallet) (wallet.PoolWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.wallets[w.ID]
	if !ok {
		return wallet.PoolWallet{}, fmt.Errorf("wallet %s: %w", w.ID, storage.ErrNotFound)
	}
	w.CreatedAt = existing.CreatedAt
	w.UpdatedAt = time.Now().UTC()
	s.wallets[w.ID] = w
	return w, nil
}

func (s *Store) GetWallet(_ context.Context, id string) (wallet.PoolWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return wallet.PoolWallet{}, fmt.Errorf("wallet %s: %w", id, storage.ErrNotFound)
	}
	return w, nil
}

func (s *Store) GetActiveWalletByChain(_ context.Context, chainID int64) (wallet.PoolWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.wallets {
		if w.ChainID == chainID && w.Active {
			return w, nil
		}
	}
	return wallet.PoolWallet{}, fmt.Errorf("active wallet for chain %d: %w", chainID, storage.ErrNotFound)
}

func (s *Store) ListActiveWallets(_ context.Context) ([]wallet.PoolWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []wallet.PoolWallet
	for _, w := range s.wallets {
		if w.Active {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ChainID < result[j].ChainID })
	return result, nil
}

// BalanceStore implementation ------------------------------------------------

func (s *Store) UpsertBalance(_ context.Context, rec balance.Record) (balance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey(rec.WalletID, rec.TokenAddress)
	now := time.Now().UTC()
	if existing, ok := s.balances[key]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		if rec.ID == "" {
			rec.ID = s.nextIDLocked()
		}
		rec.CreatedAt = now
	}
	rec.LastUpdated = now
	s.balances[key] = rec
	return rec, nil
}

func (s *Store) GetBalanceRecord(_ context.Context, walletID, tokenAddress string) (balance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.balances[balanceKey(walletID, tokenAddress)]
	if !ok {
		return balance.Record{}, fmt.Errorf("balance %s/%s: %w", walletID, tokenAddress, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) AdjustBalance(_ context.Context, walletID, tokenAddress string, delta decimal.Decimal) (balance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey(walletID, tokenAddress)
	rec, ok := s.balances[key]
	if !ok {
		return balance.Record{}, fmt.Errorf("balance %s/%s: %w", walletID, tokenAddress, storage.ErrNotFound)
	}
	rec.Balance = rec.Balance.Add(delta)
	if rec.Balance.IsNegative() {
		rec.Balance = decimal.Zero
	}
	rec.LastUpdated = time.Now().UTC()
	s.balances[key] = rec
	return rec, nil
}

func (s *Store) ListBalances(_ context.Context) ([]balance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]balance.Record, 0, len(s.balances))
	for _, rec := range s.balances {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].WalletID != result[j].WalletID {
			return result[i].WalletID < result[j].WalletID
		}
		return result[i].TokenAddress < result[j].TokenAddress
	})
	return result, nil
}

func (s *Store) ListBalancesBelowWarning(_ context.Context) ([]balance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []balance.Record
	for _, rec := range s.balances {
		if rec.Classify() != balance.StatusHealthy {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].WalletID != result[j].WalletID {
			return result[i].WalletID < result[j].WalletID
		}
		return result[i].TokenAddress < result[j].TokenAddress
	})
	return result, nil
}

// OrderStore implementation --------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = s.nextIDLocked()
	} else if _, exists := s.orders[o.ID]; exists {
		return order.LiquidityOrder{}, fmt.Errorf("order %s already exists", o.ID)
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.ID] = o
	if o.PaymentReference != "" {
		s.ordersByRef[o.PaymentReference] = o.ID
	}
	return o, nil
}

func (s *Store) UpdateOrder(_ context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.orders[o.ID]
	if !ok {
		return order.LiquidityOrder{}, fmt.Errorf("order %s: %w", o.ID, storage.ErrNotFound)
	}
	o.CreatedAt = existing.CreatedAt
	o.UpdatedAt = time.Now().UTC()
	s.orders[o.ID] = o
	if o.PaymentReference != "" {
		s.ordersByRef[o.PaymentReference] = o.ID
	}
	return o, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.LiquidityOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return order.LiquidityOrder{}, fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	return o, nil
}

func (s *Store) GetOrderByReference(_ context.Context, reference string) (order.LiquidityOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ordersByRef[reference]
	if !ok {
		return order.LiquidityOrder{}, fmt.Errorf("order with reference %s: %w", reference, storage.ErrNotFound)
	}
	return s.orders[id], nil
}

func (s *Store) ListOrdersByStatus(_ context.Context, status order.Status) ([]order.LiquidityOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []order.LiquidityOrder
	for _, o := range s.orders {
		if o.Status == status {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListDueOrders(_ context.Context, now time.Time) ([]order.LiquidityOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []order.LiquidityOrder
	for _, o := range s.orders {
		if o.Status == order.StatusPending && !o.NextAttemptAt.After(now) {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) TransitionOrderStatus(_ context.Context, id string, from, to order.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	if o.Status != from {
		return fmt.Errorf("order %s is %s, expected %s: %w", id, o.Status, from, storage.ErrConflict)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return nil
}

// ExecutionLogStore implementation -------------------------------------------

func (s *Store) AppendExecutionLog(_ context.Context, entry order.ExecutionLogEntry) (order.ExecutionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = s.nextIDLocked()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.executionLogs[entry.OrderID] = append(s.executionLogs[entry.OrderID], entry)
	return entry, nil
}

func (s *Store) ListExecutionLogs(_ context.Context, orderID string) ([]order.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.executionLogs[orderID]
	result := make([]order.ExecutionLogEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// ReplenishmentStore implementation ------------------------------------------

func (s *Store) CreateReplenishment(_ context.Context, job replenish.Job) (replenish.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = s.nextIDLocked()
	} else if _, exists := s.replenishments[job.ID]; exists {
		return replenish.Job{}, fmt.Errorf("replenishment %s already exists", job.ID)
	}
	job.CreatedAt = time.Now().UTC()
	s.replenishments[job.ID] = job
	return job, nil
}

func (s *Store) UpdateReplenishment(_ context.Context, job replenish.Job) (replenish.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.replenishments[job.ID]
	if !ok {
		return replenish.Job{}, fmt.Errorf("replenishment %s: %w", job.ID, storage.ErrNotFound)
	}
	job.CreatedAt = existing.CreatedAt
	s.replenishments[job.ID] = job
	return job, nil
}

func (s *Store) GetReplenishment(_ context.Context, id string) (replenish.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.replenishments[id]
	if !ok {
		return replenish.Job{}, fmt.Errorf("replenishment %s: %w", id, storage.ErrNotFound)
	}
	return job, nil
}

func (s *Store) ListReplenishments(_ context.Context, status replenish.Status) ([]replenish.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []replenish.Job
	for _, job := range s.replenishments {
		if status == "" || job.Status == status {
			result = append(result, job)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) GetOpenReplenishment(_ context.Context, walletID, tokenAddress string) (replenish.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.replenishments {
		if job.WalletID == walletID && strings.EqualFold(job.TokenAddress, tokenAddress) &&
			(job.Status == replenish.StatusPending || job.Status == replenish.StatusProcessing) {
			return job, nil
		}
	}
	return replenish.Job{}, fmt.Errorf("open replenishment for %s/%s: %w", walletID, tokenAddress, storage.ErrNotFound)
}
