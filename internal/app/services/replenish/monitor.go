// Package replenish watches pool balances and opens replenishment jobs for
// pairs that fall to critical levels.
package replenish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/replenish"
	"github.com/openramp/poolengine/internal/app/metrics"
	"github.com/openramp/poolengine/internal/app/storage"
	"github.com/openramp/poolengine/internal/config"
	"github.com/openramp/poolengine/pkg/logger"
)

// ErrMethodNotSupported is returned when a job's fulfillment method has no
// automated executor yet.
var ErrMethodNotSupported = errors.New("replenishment method not supported")

// Store is the persistence surface the monitor needs.
type Store interface {
	storage.BalanceStore
	storage.ReplenishmentStore
	storage.WalletStore
}

// Reconciler refreshes a tracked balance from the chain after a job is
// fulfilled.
type Reconciler interface {
	UpdateBalanceFromChain(ctx context.Context, chainID int64, token string) (balance.Record, error)
}

// Monitor scans tracked balances on a schedule and manages replenishment
// jobs.
type Monitor struct {
	store      Store
	reconciler Reconciler
	target     decimal.Decimal
	method     replenish.Method
	schedule   string
	log        *logger.Logger

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewMonitor constructs a balance monitor from the configured policy.
func NewMonitor(store Store, reconciler Reconciler, cfg config.Replenishment, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewDefault("replenish")
	}
	target := cfg.TargetBalance
	if target.IsZero() {
		target = decimal.NewFromInt(5000)
	}
	method := replenish.Method(cfg.Method)
	if method == "" {
		method = replenish.MethodManual
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 5m"
	}
	return &Monitor{
		store:      store,
		reconciler: reconciler,
		target:     target,
		method:     method,
		schedule:   schedule,
		log:        log,
	}
}

// Name implements system.Service.
func (m *Monitor) Name() string { return "replenish-monitor" }

// Start schedules the periodic scan.
func (m *Monitor) Start(ctx context.Context) error {
	if m.cron != nil {
		return errors.New("replenish monitor already started")
	}

	c := cron.New()
	id, err := c.AddFunc(m.schedule, func() {
		scanCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.Scan(scanCtx); err != nil {
			m.log.WithError(err).Warn("balance scan failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", m.schedule, err)
	}
	m.cron = c
	m.entryID = id
	c.Start()

	m.log.WithField("schedule", m.schedule).Info("replenish monitor started")
	return nil
}

// Stop halts the schedule and waits for a running scan.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cron == nil {
		return nil
	}
	stopped := m.cron.Stop()
	m.cron = nil
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan walks every tracked balance below its warning threshold and opens a
// job for each critical pair without one. Warning-level pairs are only
// logged.
func (m *Monitor) Scan(ctx context.Context) error {
	low, err := m.store.ListBalancesBelowWarning(ctx)
	if err != nil {
		return fmt.Errorf("list low balances: %w", err)
	}

	for _, rec := range low {
		status := rec.Classify()
		if status != balance.StatusCritical {
			m.log.WithField("wallet_id", rec.WalletID).
				WithField("token", rec.TokenAddress).
				WithField("balance", rec.Balance.String()).
				Warn("balance below warning threshold")
			continue
		}
		if _, err := m.openJob(ctx, rec); err != nil {
			m.log.WithError(err).
				WithField("wallet_id", rec.WalletID).
				WithField("token", rec.TokenAddress).
				Warn("open replenishment failed")
		}
	}

	open, err := m.store.ListReplenishments(ctx, replenish.StatusPending)
	if err == nil {
		metrics.ReplenishmentsOpen.Set(float64(len(open)))
	}
	return nil
}

// openJob creates a job for the pair unless one is already open.
func (m *Monitor) openJob(ctx context.Context, rec balance.Record) (replenish.Job, error) {
	existing, err := m.store.GetOpenReplenishment(ctx, rec.WalletID, rec.TokenAddress)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return replenish.Job{}, err
	}

	needed := m.target.Sub(rec.Balance)
	if needed.IsNegative() {
		needed = decimal.Zero
	}
	job, err := m.store.CreateReplenishment(ctx, replenish.Job{
		WalletID:       rec.WalletID,
		TokenAddress:   rec.TokenAddress,
		CurrentBalance: rec.Balance,
		TargetBalance:  m.target,
		AmountNeeded:   needed,
		Method:         m.method,
		Status:         replenish.StatusPending,
	})
	if err != nil {
		return replenish.Job{}, fmt.Errorf("create replenishment: %w", err)
	}

	m.log.WithField("job_id", job.ID).
		WithField("wallet_id", job.WalletID).
		WithField("token", job.TokenAddress).
		WithField("amount_needed", job.AmountNeeded.String()).
		Info("replenishment opened")
	return job, nil
}

// Execute dispatches a job by its method. Manual jobs stay pending for an
// operator; no automated method is implemented yet.
func (m *Monitor) Execute(ctx context.Context, id string) (replenish.Job, error) {
	job, err := m.store.GetReplenishment(ctx, id)
	if err != nil {
		return replenish.Job{}, err
	}
	if !job.Open() {
		return job, nil
	}

	switch job.Method {
	case replenish.MethodManual:
		m.log.WithField("job_id", job.ID).Info("manual replenishment awaiting operator")
		return job, nil
	case replenish.MethodExternal, replenish.MethodSwap:
		return job, fmt.Errorf("%w: %s", ErrMethodNotSupported, job.Method)
	default:
		return job, fmt.Errorf("%w: %s", ErrMethodNotSupported, job.Method)
	}
}

// MarkComplete closes a job after funds arrived and reconciles the tracked
// balance from the chain.
func (m *Monitor) MarkComplete(ctx context.Context, id, txHash string) (replenish.Job, error) {
	job, err := m.store.GetReplenishment(ctx, id)
	if err != nil {
		return replenish.Job{}, err
	}
	if job.Status == replenish.StatusCompleted {
		return job, nil
	}

	job.Status = replenish.StatusCompleted
	job.TxHash = txHash
	job.CompletedAt = time.Now().UTC()
	job.ErrorMessage = ""

	updated, err := m.store.UpdateReplenishment(ctx, job)
	if err != nil {
		return replenish.Job{}, fmt.Errorf("persist completed replenishment: %w", err)
	}

	if m.reconciler != nil {
		w, err := m.store.GetWallet(ctx, job.WalletID)
		if err == nil {
			if _, err := m.reconciler.UpdateBalanceFromChain(ctx, w.ChainID, job.TokenAddress); err != nil {
				m.log.WithError(err).
					WithField("job_id", job.ID).
					Warn("post-replenishment reconciliation failed")
			}
		}
	}

	m.log.WithField("job_id", updated.ID).
		WithField("tx_hash", txHash).
		Info("replenishment completed")
	return updated, nil
}

// Jobs lists jobs by status; an empty status lists all.
func (m *Monitor) Jobs(ctx context.Context, status replenish.Status) ([]replenish.Job, error) {
	return m.store.ListReplenishments(ctx, status)
}
