package replenish

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/replenish"
	"github.com/openramp/poolengine/internal/app/domain/wallet"
	"github.com/openramp/poolengine/internal/app/storage/memory"
	"github.com/openramp/poolengine/internal/config"
)

const usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"

type fakeReconciler struct {
	calls int
}

func (f *fakeReconciler) UpdateBalanceFromChain(ctx context.Context, chainID int64, token string) (balance.Record, error) {
	f.calls++
	return balance.Record{}, nil
}

func seedBalance(t *testing.T, store *memory.Store, bal int64) wallet.PoolWallet {
	t.Helper()
	ctx := context.Background()
	w, err := store.CreateWallet(ctx, wallet.PoolWallet{ChainID: 1, ChainName: "ethereum", Address: "0xpool", Active: true})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if _, err := store.UpsertBalance(ctx, balance.Record{
		WalletID:          w.ID,
		TokenAddress:      usdc,
		TokenSymbol:       "USDC",
		Balance:           decimal.NewFromInt(bal),
		ThresholdWarning:  decimal.NewFromInt(1000),
		ThresholdCritical: decimal.NewFromInt(500),
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	return w
}

func newTestMonitor(store *memory.Store, rec Reconciler) *Monitor {
	return NewMonitor(store, rec, config.Replenishment{
		TargetBalance: decimal.NewFromInt(5000),
		Method:        "manual",
	}, nil)
}

func TestScanOpensJobForCriticalBalance(t *testing.T) {
	store := memory.New()
	w := seedBalance(t, store, 300)
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	if err := m.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	job, err := store.GetOpenReplenishment(ctx, w.ID, usdc)
	if err != nil {
		t.Fatalf("expected an open job: %v", err)
	}
	if job.Method != replenish.MethodManual {
		t.Fatalf("method = %s, want manual", job.Method)
	}
	if job.TargetBalance.Cmp(decimal.NewFromInt(5000)) != 0 {
		t.Fatalf("target = %s, want 5000", job.TargetBalance)
	}
	if job.AmountNeeded.Cmp(decimal.NewFromInt(4700)) != 0 {
		t.Fatalf("amount needed = %s, want 4700", job.AmountNeeded)
	}
}

func TestScanDoesNotDuplicateOpenJobs(t *testing.T) {
	store := memory.New()
	seedBalance(t, store, 300)
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	if err := m.Scan(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := m.Scan(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	jobs, err := store.ListReplenishments(ctx, replenish.StatusPending)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want exactly one per pair", len(jobs))
	}
}

func TestScanIgnoresWarningLevelBalances(t *testing.T) {
	store := memory.New()
	seedBalance(t, store, 800) // below warning, above critical
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	if err := m.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	jobs, err := store.ListReplenishments(ctx, replenish.StatusPending)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("jobs = %d, warning level must only log", len(jobs))
	}
}

func TestExecuteManualStaysPending(t *testing.T) {
	store := memory.New()
	seedBalance(t, store, 300)
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	if err := m.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	jobs, _ := store.ListReplenishments(ctx, replenish.StatusPending)

	job, err := m.Execute(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if job.Status != replenish.StatusPending {
		t.Fatalf("status = %s, manual jobs wait for an operator", job.Status)
	}
}

func TestExecuteUnsupportedMethod(t *testing.T) {
	store := memory.New()
	w := seedBalance(t, store, 300)
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	job, err := store.CreateReplenishment(ctx, replenish.Job{
		WalletID:     w.ID,
		TokenAddress: "0xother",
		Method:       replenish.MethodSwap,
		Status:       replenish.StatusPending,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := m.Execute(ctx, job.ID); err == nil {
		t.Fatal("expected unsupported method error")
	}
}

func TestMarkCompleteClosesJobAndReconciles(t *testing.T) {
	store := memory.New()
	seedBalance(t, store, 300)
	rec := &fakeReconciler{}
	m := newTestMonitor(store, rec)
	ctx := context.Background()

	if err := m.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	jobs, _ := store.ListReplenishments(ctx, replenish.StatusPending)

	done, err := m.MarkComplete(ctx, jobs[0].ID, "0xfund")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != replenish.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if done.TxHash != "0xfund" {
		t.Fatalf("tx hash = %q, want 0xfund", done.TxHash)
	}
	if done.CompletedAt.IsZero() {
		t.Fatal("completed job must carry its completion time")
	}
	if rec.calls != 1 {
		t.Fatalf("reconciler calls = %d, want 1", rec.calls)
	}

	// Completing again is a no-op.
	again, err := m.MarkComplete(ctx, jobs[0].ID, "0xother")
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if again.TxHash != "0xfund" {
		t.Fatalf("tx hash = %q, completion must be idempotent", again.TxHash)
	}
}
