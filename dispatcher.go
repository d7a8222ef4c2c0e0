package pgbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DispatcherConfig configures a Dispatcher. Zero values get defaults.
type DispatcherConfig struct {
	// MaxAttempts is the attempt ceiling; an envelope whose attempt count
	// reaches it is dead-lettered as failed. Default: 3.
	MaxAttempts int

	// BatchSize caps how many envelopes one catch-up pass claims. Default: 100.
	BatchSize int

	// Workers bounds how many envelopes are processed concurrently within one
	// pass. Handlers for a single envelope always run sequentially regardless.
	// Default: 1, which also preserves ascending-id processing order.
	Workers int

	Logger  *zap.Logger
	Metrics *Metrics
}

// Dispatcher drains ready envelopes for a channel: acquire the coordination
// lock, CAS to in_progress, run the registered handlers in order, CAS to a
// terminal state or re-queue, release the lock. Contention outcomes (lock
// busy, lost CAS, vanished row) are skips, not errors - some other process
// owns that envelope.
type Dispatcher struct {
	store       Store
	locker      Locker
	registry    *Registry
	maxAttempts int
	batchSize   int
	workers     int
	log         *zap.Logger
	metrics     *Metrics
}

// NewDispatcher creates a dispatcher over the given store, locker and
// registry.
func NewDispatcher(store Store, locker Locker, registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:       store,
		locker:      locker,
		registry:    registry,
		maxAttempts: cfg.MaxAttempts,
		batchSize:   cfg.BatchSize,
		workers:     cfg.Workers,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Dispatch runs one catch-up pass for the channel and returns the number of
// candidate envelopes claimed. A return equal to the batch size means the
// channel may have more ready envelopes; callers loop until the pass comes up
// short.
func (d *Dispatcher) Dispatch(ctx context.Context, channel string) (int, error) {
	if len(d.registry.HandlersFor(channel)) == 0 {
		// Not our channel to drain: the envelopes stay in the ledger for
		// processes that do have handlers registered.
		return 0, nil
	}

	ids, err := d.store.ClaimPending(ctx, channel, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if d.workers == 1 {
		for _, id := range ids {
			if err := d.process(ctx, id); err != nil {
				return len(ids), err
			}
		}
		return len(ids), nil
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	work := make(chan int64)
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				if err := d.process(ctx, id); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}
	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()
	return len(ids), firstErr
}

// process runs the full pipeline for one candidate envelope.
func (d *Dispatcher) process(ctx context.Context, id int64) error {
	lock, ok, err := d.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		d.log.Debug("lock busy", zap.Int64("envelope", id))
		d.metrics.lockBusy()
		return nil
	}
	// Once the lock is held the pipeline runs to completion even if ctx is
	// canceled mid-flight: shutdown is cooperative, and the envelope must
	// reach a terminal state or an explicit re-queue before the lock is
	// released. New work is cut off upstream, at claim and acquire.
	ctx = context.WithoutCancel(ctx)
	defer lock.Release(ctx)

	env, err := d.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if env.State != StatePending {
		// Stale candidate: someone else already moved it.
		return nil
	}

	token := uuid.NewString()
	ok, err = d.store.Transition(ctx, id, StatePending, StateInProgress, token)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race to another worker between Load and here.
		return nil
	}
	d.log.Debug("lock acquired",
		zap.Int64("envelope", id),
		zap.String("channel", env.Channel),
		zap.String("token", token))

	attempt := env.Attempts + 1
	if herr := d.runHandlers(ctx, env); herr != nil {
		return d.failAttempt(ctx, env, attempt, herr)
	}

	ok, err = d.store.Transition(ctx, id, StateInProgress, StateDone, "")
	if err != nil {
		return err
	}
	if !ok {
		// The stale-lock reclaim took the envelope back mid-run; whoever
		// claims it next owns the terminal transition.
		d.log.Warn("envelope reclaimed during dispatch", zap.Int64("envelope", id))
		return nil
	}
	d.log.Info("envelope done",
		zap.Int64("envelope", id),
		zap.String("channel", env.Channel),
		zap.Int("attempts", attempt))
	d.metrics.dispatched(env.Channel, "done")
	return nil
}

// failAttempt re-queues the envelope for a later scan, or dead-letters it
// once the attempt ceiling is hit.
func (d *Dispatcher) failAttempt(ctx context.Context, env Envelope, attempt int, herr error) error {
	if attempt >= d.maxAttempts {
		if _, err := d.store.Transition(ctx, env.ID, StateInProgress, StateFailed, ""); err != nil {
			return err
		}
		d.log.Error("envelope failed",
			zap.Int64("envelope", env.ID),
			zap.String("channel", env.Channel),
			zap.Int("attempts", attempt),
			zap.Error(herr))
		d.metrics.dispatched(env.Channel, "failed")
		return nil
	}

	if _, err := d.store.Transition(ctx, env.ID, StateInProgress, StatePending, ""); err != nil {
		return err
	}
	d.log.Warn("envelope re-queued",
		zap.Int64("envelope", env.ID),
		zap.String("channel", env.Channel),
		zap.Int("attempt", attempt),
		zap.Error(herr))
	d.metrics.dispatched(env.Channel, "requeued")
	return nil
}

// runHandlers invokes the channel's handlers in registration order, stopping
// at the first failure. Panics are contained and reported as handler errors.
func (d *Dispatcher) runHandlers(ctx context.Context, env Envelope) error {
	for _, reg := range d.registry.HandlersFor(env.Channel) {
		d.log.Debug("handler start",
			zap.Int64("envelope", env.ID),
			zap.String("channel", env.Channel),
			zap.String("handler", reg.ID))

		if err := call(ctx, reg.Handler, env.Payload); err != nil {
			d.log.Warn("handler failed",
				zap.Int64("envelope", env.ID),
				zap.String("channel", env.Channel),
				zap.String("handler", reg.ID),
				zap.Error(err))
			d.metrics.handlerFailure(env.Channel, reg.ID)
			return fmt.Errorf("handler %q: %w", reg.ID, err)
		}

		d.log.Debug("handler done",
			zap.Int64("envelope", env.ID),
			zap.String("channel", env.Channel),
			zap.String("handler", reg.ID))
	}
	return nil
}

func call(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
