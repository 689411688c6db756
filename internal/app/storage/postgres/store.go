package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/order"
	"github.com/openramp/poolengine/internal/app/domain/quote"
	"github.com/openramp/poolengine/internal/app/domain/replenish"
	"github.com/openramp/poolengine/internal/app/domain/wallet"
	"github.com/openramp/poolengine/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.WalletStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.ExecutionLogStore = (*Store)(nil)
var _ storage.ReplenishmentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- WalletStore ------------------------------------------------------------

func (s *Store) CreateWallet(ctx context.Context, w wallet.PoolWallet) (wallet.PoolWallet, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_wallets (id, chain_id, chain_name, address, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.ChainID, w.ChainName, strings.ToLower(w.Address), w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return wallet.PoolWallet{}, err
	}
	return w, nil
}

func (s *Store) UpdateWallet(ctx context.Context, w wallet.PoolWallet) (wallet.PoolWallet, error) {
	w.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pool_wallets
		SET chain_name = $2, address = $3, active = $4, updated_at = $5
		WHERE id = $1
	`, w.ID, w.ChainName, strings.ToLower(w.Address), w.Active, w.UpdatedAt)
	if err != nil {
		return wallet.PoolWallet{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return wallet.PoolWallet{}, fmt.Errorf("wallet %s: %w", w.ID, storage.ErrNotFound)
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (wallet.PoolWallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chain_id, chain_name, address, active, created_at, updated_at
		FROM pool_wallets
		WHERE id = $1
	`, id)
	return scanWallet(row)
}

func (s *Store) GetActiveWalletByChain(ctx context.Context, chainID int64) (wallet.PoolWallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chain_id, chain_name, address, active, created_at, updated_at
		FROM pool_wallets
		WHERE chain_id = $1 AND active
	`, chainID)
	return scanWallet(row)
}

func (s *Store) ListActiveWallets(ctx context.Context) ([]wallet.PoolWallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, chain_name, address, active, created_at, updated_at
		FROM pool_wallets
		WHERE active
		ORDER BY chain_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []wallet.PoolWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (wallet.PoolWallet, error) {
	var w wallet.PoolWallet
	if err := row.Scan(&w.ID, &w.ChainID, &w.ChainName, &w.Address, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wallet.PoolWallet{}, storage.ErrNotFound
		}
		return wallet.PoolWallet{}, err
	}
	return w, nil
}

// --- BalanceStore -----------------------------------------------------------

const balanceColumns = `id, wallet_id, token_address, token_symbol, balance, threshold_warning, threshold_critical, last_updated, created_at`

func (s *Store) UpsertBalance(ctx context.Context, rec balance.Record) (balance.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.LastUpdated = now

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO pool_balances (id, wallet_id, token_address, token_symbol, balance, threshold_warning, threshold_critical, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (wallet_id, token_address) DO UPDATE
		SET token_symbol = EXCLUDED.token_symbol,
		    balance = EXCLUDED.balance,
		    threshold_warning = EXCLUDED.threshold_warning,
		    threshold_critical = EXCLUDED.threshold_critical,
		    last_updated = EXCLUDED.last_updated
		RETURNING `+balanceColumns+`
	`, rec.ID, rec.WalletID, strings.ToLower(rec.TokenAddress), rec.TokenSymbol, rec.Balance,
		rec.ThresholdWarning, rec.ThresholdCritical, now)
	return scanBalance(row)
}

func (s *Store) GetBalanceRecord(ctx context.Context, walletID, tokenAddress string) (balance.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM pool_balances
		WHERE wallet_id = $1 AND token_address = $2
	`, walletID, strings.ToLower(tokenAddress))
	return scanBalance(row)
}

// AdjustBalance applies the delta server-side so concurrent adjustments on the
// same row serialize inside the database. The result floors at zero.
func (s *Store) AdjustBalance(ctx context.Context, walletID, tokenAddress string, delta decimal.Decimal) (balance.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pool_balances
		SET balance = GREATEST(balance + $3, 0), last_updated = $4
		WHERE wallet_id = $1 AND token_address = $2
		RETURNING `+balanceColumns+`
	`, walletID, strings.ToLower(tokenAddress), delta, time.Now().UTC())
	return scanBalance(row)
}

func (s *Store) ListBalances(ctx context.Context) ([]balance.Record, error) {
	return s.queryBalances(ctx, `
		SELECT `+balanceColumns+`
		FROM pool_balances
		ORDER BY wallet_id, token_address
	`)
}

func (s *Store) ListBalancesBelowWarning(ctx context.Context) ([]balance.Record, error) {
	return s.queryBalances(ctx, `
		SELECT `+balanceColumns+`
		FROM pool_balances
		WHERE balance < threshold_warning
		ORDER BY wallet_id, token_address
	`)
}

func (s *Store) queryBalances(ctx context.Context, query string, args ...interface{}) ([]balance.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []balance.Record
	for rows.Next() {
		rec, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanBalance(row rowScanner) (balance.Record, error) {
	var rec balance.Record
	if err := row.Scan(&rec.ID, &rec.WalletID, &rec.TokenAddress, &rec.TokenSymbol, &rec.Balance,
		&rec.ThresholdWarning, &rec.ThresholdCritical, &rec.LastUpdated, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return balance.Record{}, storage.ErrNotFound
		}
		return balance.Record{}, err
	}
	return rec, nil
}

// --- OrderStore -------------------------------------------------------------

const orderColumns = `id, order_type, status, user_wallet_address, user_email, requested_token, requested_amount,
	fiat_amount, fiat_currency, chain_id, price_quote, swap_tx_hash, transfer_tx_hash, executed_at, completed_at,
	payment_reference, error_message, retry_count, next_attempt_at, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	quoteJSON, err := json.Marshal(o.Quote)
	if err != nil {
		return order.LiquidityOrder{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO liquidity_orders (id, order_type, status, user_wallet_address, user_email, requested_token,
			requested_amount, fiat_amount, fiat_currency, chain_id, price_quote, swap_tx_hash, transfer_tx_hash,
			executed_at, completed_at, payment_reference, error_message, retry_count, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, o.ID, o.OrderType, o.Status, strings.ToLower(o.UserWalletAddress), o.UserEmail, strings.ToLower(o.RequestedToken),
		o.RequestedAmount, o.FiatAmount, o.FiatCurrency, o.ChainID, quoteJSON, o.SwapTxHash, o.TransferTxHash,
		toNullTime(o.ExecutedAt), toNullTime(o.CompletedAt), o.PaymentReference, o.ErrorMessage, o.RetryCount,
		toNullTime(o.NextAttemptAt), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return order.LiquidityOrder{}, err
	}
	return o, nil
}

func (s *Store) UpdateOrder(ctx context.Context, o order.LiquidityOrder) (order.LiquidityOrder, error) {
	o.UpdatedAt = time.Now().UTC()

	quoteJSON, err := json.Marshal(o.Quote)
	if err != nil {
		return order.LiquidityOrder{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE liquidity_orders
		SET status = $2, price_quote = $3, swap_tx_hash = $4, transfer_tx_hash = $5, executed_at = $6,
		    completed_at = $7, payment_reference = $8, error_message = $9, retry_count = $10,
		    next_attempt_at = $11, updated_at = $12
		WHERE id = $1
	`, o.ID, o.Status, quoteJSON, o.SwapTxHash, o.TransferTxHash, toNullTime(o.ExecutedAt),
		toNullTime(o.CompletedAt), o.PaymentReference, o.ErrorMessage, o.RetryCount,
		toNullTime(o.NextAttemptAt), o.UpdatedAt)
	if err != nil {
		return order.LiquidityOrder{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return order.LiquidityOrder{}, fmt.Errorf("order %s: %w", o.ID, storage.ErrNotFound)
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.LiquidityOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM liquidity_orders
		WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (s *Store) GetOrderByReference(ctx context.Context, reference string) (order.LiquidityOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM liquidity_orders
		WHERE payment_reference = $1
	`, reference)
	return scanOrder(row)
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status order.Status) ([]order.LiquidityOrder, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM liquidity_orders
		WHERE status = $1
		ORDER BY created_at
	`, status)
}

func (s *Store) ListDueOrders(ctx context.Context, now time.Time) ([]order.LiquidityOrder, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM liquidity_orders
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY created_at
	`, order.StatusPending, now.UTC())
}

// TransitionOrderStatus performs the status move as one conditional UPDATE so
// concurrent processors cannot both claim the same order.
func (s *Store) TransitionOrderStatus(ctx context.Context, id string, from, to order.Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE liquidity_orders
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, from, to, time.Now().UTC())
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	if _, err := s.GetOrder(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("order %s not in status %s: %w", id, from, storage.ErrConflict)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...interface{}) ([]order.LiquidityOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []order.LiquidityOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanOrder(row rowScanner) (order.LiquidityOrder, error) {
	var (
		o             order.LiquidityOrder
		quoteRaw      []byte
		executedAt    sql.NullTime
		completedAt   sql.NullTime
		nextAttemptAt sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.OrderType, &o.Status, &o.UserWalletAddress, &o.UserEmail, &o.RequestedToken,
		&o.RequestedAmount, &o.FiatAmount, &o.FiatCurrency, &o.ChainID, &quoteRaw, &o.SwapTxHash, &o.TransferTxHash,
		&executedAt, &completedAt, &o.PaymentReference, &o.ErrorMessage, &o.RetryCount, &nextAttemptAt,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return order.LiquidityOrder{}, storage.ErrNotFound
		}
		return order.LiquidityOrder{}, err
	}
	if len(quoteRaw) > 0 {
		var q quote.PriceQuote
		if err := json.Unmarshal(quoteRaw, &q); err != nil {
			return order.LiquidityOrder{}, fmt.Errorf("decode price quote for order %s: %w", o.ID, err)
		}
		o.Quote = q
	}
	if executedAt.Valid {
		o.ExecutedAt = executedAt.Time.UTC()
	}
	if completedAt.Valid {
		o.CompletedAt = completedAt.Time.UTC()
	}
	if nextAttemptAt.Valid {
		o.NextAttemptAt = nextAttemptAt.Time.UTC()
	}
	return o, nil
}

// --- ExecutionLogStore --------------------------------------------------------

func (s *Store) AppendExecutionLog(ctx context.Context, entry order.ExecutionLogEntry) (order.ExecutionLogEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	dataJSON, err := json.Marshal(entry.Data)
	if err != nil {
		return order.ExecutionLogEntry{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, order_id, step_name, status, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.OrderID, entry.StepName, entry.Status, dataJSON, entry.Timestamp)
	if err != nil {
		return order.ExecutionLogEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListExecutionLogs(ctx context.Context, orderID string) ([]order.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, step_name, status, data, created_at
		FROM execution_logs
		WHERE order_id = $1
		ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []order.ExecutionLogEntry
	for rows.Next() {
		var (
			entry   order.ExecutionLogEntry
			dataRaw []byte
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.StepName, &entry.Status, &dataRaw, &entry.Timestamp); err != nil {
			return nil, err
		}
		if len(dataRaw) > 0 {
			_ = json.Unmarshal(dataRaw, &entry.Data)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// --- ReplenishmentStore -------------------------------------------------------

const replenishmentColumns = `id, wallet_id, token_address, current_balance, target_balance, amount_needed,
	method, status, tx_hash, error_message, created_at, completed_at`

func (s *Store) CreateReplenishment(ctx context.Context, job replenish.Job) (replenish.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replenishments (id, wallet_id, token_address, current_balance, target_balance, amount_needed,
			method, status, tx_hash, error_message, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.WalletID, strings.ToLower(job.TokenAddress), job.CurrentBalance, job.TargetBalance,
		job.AmountNeeded, job.Method, job.Status, job.TxHash, job.ErrorMessage, job.CreatedAt,
		toNullTime(job.CompletedAt))
	if err != nil {
		return replenish.Job{}, err
	}
	return job, nil
}

func (s *Store) UpdateReplenishment(ctx context.Context, job replenish.Job) (replenish.Job, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE replenishments
		SET status = $2, tx_hash = $3, error_message = $4, completed_at = $5
		WHERE id = $1
	`, job.ID, job.Status, job.TxHash, job.ErrorMessage, toNullTime(job.CompletedAt))
	if err != nil {
		return replenish.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return replenish.Job{}, fmt.Errorf("replenishment %s: %w", job.ID, storage.ErrNotFound)
	}
	return job, nil
}

func (s *Store) GetReplenishment(ctx context.Context, id string) (replenish.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+replenishmentColumns+`
		FROM replenishments
		WHERE id = $1
	`, id)
	return scanReplenishment(row)
}

func (s *Store) ListReplenishments(ctx context.Context, status replenish.Status) ([]replenish.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+replenishmentColumns+`
		FROM replenishments
		WHERE $1 = '' OR status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []replenish.Job
	for rows.Next() {
		job, err := scanReplenishment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (s *Store) GetOpenReplenishment(ctx context.Context, walletID, tokenAddress string) (replenish.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+replenishmentColumns+`
		FROM replenishments
		WHERE wallet_id = $1 AND token_address = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at
		LIMIT 1
	`, walletID, strings.ToLower(tokenAddress))
	return scanReplenishment(row)
}

func scanReplenishment(row rowScanner) (replenish.Job, error) {
	var (
		job         replenish.Job
		completedAt sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.WalletID, &job.TokenAddress, &job.CurrentBalance, &job.TargetBalance,
		&job.AmountNeeded, &job.Method, &job.Status, &job.TxHash, &job.ErrorMessage, &job.CreatedAt,
		&completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return replenish.Job{}, storage.ErrNotFound
		}
		return replenish.Job{}, err
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time.UTC()
	}
	return job, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
