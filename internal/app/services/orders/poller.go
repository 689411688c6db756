package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openramp/poolengine/internal/app/storage"
	"github.com/openramp/poolengine/pkg/logger"
)

// Poller drives the queue in the background: on every tick it picks up
// pending orders whose next attempt time has passed and processes them.
type Poller struct {
	queue    *Queue
	store    Store
	interval time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller constructs a queue poller.
func NewPoller(queue *Queue, store Store, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("orders.poller")
	}
	return &Poller{
		queue:    queue,
		store:    store,
		interval: interval,
		log:      log,
	}
}

// Name implements system.Service.
func (p *Poller) Name() string { return "order-poller" }

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("order poller already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(runCtx)

	p.log.WithField("interval", p.interval.String()).Info("order poller started")
	return nil
}

// Stop halts the polling loop and waits for the in-flight tick.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	due, err := p.store.ListDueOrders(ctx, time.Now().UTC())
	if err != nil {
		p.log.WithError(err).Warn("list due orders failed")
		return
	}

	for _, o := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.queue.ProcessOrder(ctx, o.ID); err != nil {
			// Conflicts mean another processor claimed the order first.
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			p.log.WithError(err).
				WithField("order_id", o.ID).
				Warn("order attempt failed")
		}
	}
}
