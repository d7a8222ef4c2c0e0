package pgbus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ListenerConfig configures a Listener. Zero values get defaults.
type ListenerConfig struct {
	// Channels restricts which registered channels this process subscribes to
	// and dispatches. Default: every channel in the registry.
	Channels []string

	// PollTimeout bounds how long the loop waits for a wake-up signal before
	// running a catch-up scan anyway. Signals are lossy; this is the safety
	// net that keeps a dropped signal from stranding an envelope.
	// Default: 30s.
	PollTimeout time.Duration

	// BackoffMin and BackoffMax bound the exponential backoff between
	// reconnection attempts. Defaults: 500ms and 30s.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// MaxAttempts, BatchSize and Workers configure the dispatcher; see
	// DispatcherConfig.
	MaxAttempts int
	BatchSize   int
	Workers     int

	Logger  *zap.Logger
	Metrics *Metrics
}

// Listener owns one signal subscription per process and turns wake-up signals
// (or poll timeouts) into dispatcher catch-up passes. It is the single place
// that handles connection loss: on any subscription error it backs off,
// reconnects, and runs a full catch-up pass before trusting signals again.
type Listener struct {
	source      Source
	dispatcher  *Dispatcher
	channels    []string
	pollTimeout time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	batchSize   int
	log         *zap.Logger
	metrics     *Metrics
}

// NewListener wires a listener over the given store, locker, registry and
// signal source.
func NewListener(store Store, locker Locker, registry *Registry, source Source, cfg ListenerConfig) *Listener {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = registry.Channels()
	}

	d := NewDispatcher(store, locker, registry, DispatcherConfig{
		MaxAttempts: cfg.MaxAttempts,
		BatchSize:   cfg.BatchSize,
		Workers:     cfg.Workers,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})

	return &Listener{
		source:      source,
		dispatcher:  d,
		channels:    channels,
		pollTimeout: cfg.PollTimeout,
		backoffMin:  cfg.BackoffMin,
		backoffMax:  cfg.BackoffMax,
		batchSize:   cfg.BatchSize,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Run subscribes and blocks, dispatching until ctx is canceled. Shutdown is
// cooperative: an in-flight envelope finishes its pipeline before Run
// returns. Run only returns on cancellation - transient errors are logged
// and retried, never fatal.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.backoffMin

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := l.source.Connect(ctx, l.channels); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Error("subscribe failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
			l.metrics.reconnect()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, l.backoffMax)
			continue
		}
		backoff = l.backoffMin
		l.log.Info("subscribed", zap.Strings("channels", l.channels))

		// The subscription may have been down while signals fired; scan
		// everything before trusting signals again.
		l.catchUpAll(ctx)

		if shutdown := l.wait(ctx); shutdown {
			l.source.Close(context.WithoutCancel(ctx))
			return nil
		}
		l.source.Close(context.WithoutCancel(ctx))
	}
}

// wait is the signal-driven inner loop. It returns true on shutdown and
// false when the subscription broke and a reconnect is needed.
func (l *Listener) wait(ctx context.Context) bool {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.pollTimeout)
		channel, err := l.source.Wait(waitCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return true
		case err == nil:
			l.log.Debug("signal received", zap.String("channel", channel))
			l.metrics.signal(channel)
			l.catchUp(ctx, channel)
		case errors.Is(err, context.DeadlineExceeded):
			l.catchUpAll(ctx)
		default:
			l.log.Warn("subscription lost", zap.Error(err))
			l.metrics.reconnect()
			return false
		}
	}
}

// catchUp drains one channel, looping while full batches keep coming back.
func (l *Listener) catchUp(ctx context.Context, channel string) {
	for {
		n, err := l.dispatcher.Dispatch(ctx, channel)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Error("dispatch failed",
					zap.String("channel", channel),
					zap.Error(err))
			}
			return
		}
		if n < l.batchSize {
			return
		}
	}
}

func (l *Listener) catchUpAll(ctx context.Context) {
	for _, channel := range l.channels {
		if ctx.Err() != nil {
			return
		}
		l.catchUp(ctx, channel)
	}
}
