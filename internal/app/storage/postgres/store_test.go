package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/order"
	"github.com/openramp/poolengine/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func balanceRows() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "wallet_id", "token_address", "token_symbol", "balance",
		"threshold_warning", "threshold_critical", "last_updated", "created_at",
	}).AddRow("bal-1", "wal-1", "0xusdc", "USDC", "70", "1000", "500", now, now)
}

func TestAdjustBalanceFloorsAtZeroInSQL(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE pool_balances\s+SET balance = GREATEST\(balance \+ \$3, 0\)`).
		WithArgs("wal-1", "0xusdc", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(balanceRows())

	rec, err := store.AdjustBalance(context.Background(), "wal-1", "0xUSDC", decimal.NewFromInt(-30))
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rec.Balance.Cmp(decimal.NewFromInt(70)) != 0 {
		t.Fatalf("balance = %s, want 70", rec.Balance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdjustBalanceMissingRowIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE pool_balances`).
		WithArgs("wal-1", "0xusdc", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.AdjustBalance(context.Background(), "wal-1", "0xusdc", decimal.NewFromInt(5))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionOrderStatusClaims(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE liquidity_orders\s+SET status = \$3`).
		WithArgs("ord-1", string(order.StatusPending), string(order.StatusProcessing), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.TransitionOrderStatus(context.Background(), "ord-1", order.StatusPending, order.StatusProcessing)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionOrderStatusLostRaceIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE liquidity_orders`).
		WithArgs("ord-1", string(order.StatusPending), string(order.StatusProcessing), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT .+ FROM liquidity_orders\s+WHERE id = \$1`).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "order_type", "status", "user_wallet_address", "user_email", "requested_token",
			"requested_amount", "fiat_amount", "fiat_currency", "chain_id", "price_quote", "swap_tx_hash",
			"transfer_tx_hash", "executed_at", "completed_at", "payment_reference", "error_message",
			"retry_count", "next_attempt_at", "created_at", "updated_at",
		}).AddRow("ord-1", "onramp", "processing", "0xuser", "", "0xtok", "2", "4060", "USD", 1,
			[]byte(`{}`), "", "", nil, nil, "ref-1", "", 0, nil, now, now))

	err := store.TransitionOrderStatus(context.Background(), "ord-1", order.StatusPending, order.StatusProcessing)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestTransitionOrderStatusMissingOrder(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE liquidity_orders`).
		WithArgs("ord-9", string(order.StatusPending), string(order.StatusProcessing), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT .+ FROM liquidity_orders`).
		WithArgs("ord-9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := store.TransitionOrderStatus(context.Background(), "ord-9", order.StatusPending, order.StatusProcessing)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
