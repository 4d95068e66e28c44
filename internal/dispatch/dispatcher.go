// Package dispatch moves due jobs from the store to the worker pool.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/events"
	"github.com/SirClappington/notiq/internal/ratelimit"
	"github.com/SirClappington/notiq/internal/storage"
)

// GlobalKey is the limiter key shared by every dispatcher of the queue.
const GlobalKey = "queue:notifications"

// Waiter blocks until the store is usable.
type Waiter interface {
	Wait(ctx context.Context) error
}

type Admitter interface {
	TryAdmit(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Executor takes a claimed job; done is called when its worker is free again.
type Executor interface {
	Submit(ctx context.Context, j *domain.Job, done func()) error
	Size() int
}

type Options struct {
	Owner        string
	PollInterval time.Duration
	Clock        clock.Clock
}

// Dispatcher is the single loop that claims due jobs. It only claims when
// a worker slot is free, so a claimed job never waits in memory.
type Dispatcher struct {
	store   storage.JobStore
	conn    Waiter
	limiter Admitter
	pool    Executor
	bus     *events.Bus
	opts    Options
	log     *zap.Logger

	slots        *semaphore.Weighted
	nudge        chan struct{}
	blockedUntil time.Time
}

func New(store storage.JobStore, conn Waiter, limiter Admitter, pool Executor, bus *events.Bus, opts Options, log *zap.Logger) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.C
	}
	return &Dispatcher{
		store:   store,
		conn:    conn,
		limiter: limiter,
		pool:    pool,
		bus:     bus,
		opts:    opts,
		log:     log.Named("dispatcher"),
		slots:   semaphore.NewWeighted(int64(pool.Size())),
		nudge:   make(chan struct{}, 1),
	}
}

// Nudge wakes the loop early, e.g. after a submit or a finished job.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done. It returns ErrDisconnected if the store
// connection is given up.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", zap.String("owner", d.opts.Owner), zap.Int("slots", d.pool.Size()))
	defer d.log.Info("dispatcher stopped")
	for {
		if err := d.conn.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := d.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		claimed, wait, err := d.step(ctx)
		if !claimed {
			d.slots.Release(1)
		}
		if err != nil && ctx.Err() == nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				d.log.Debug("store unavailable", zap.Error(err))
			} else {
				d.log.Error("dispatch step failed", zap.Error(err))
			}
			wait = d.opts.PollInterval
		}
		if claimed {
			continue
		}
		if !d.sleep(ctx, wait) {
			return nil
		}
	}
}

// step claims at most one due job. It reports how long to idle when nothing
// was claimed.
func (d *Dispatcher) step(ctx context.Context) (bool, time.Duration, error) {
	now := d.opts.Clock.Now()
	if now.Before(d.blockedUntil) {
		return false, d.capped(d.blockedUntil.Sub(now)), nil
	}

	at, ok, err := d.store.NextRunAt(ctx)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, d.opts.PollInterval, nil
	}
	if at.After(now) {
		return false, d.capped(at.Sub(now)), nil
	}

	dec, err := d.limiter.TryAdmit(ctx, GlobalKey)
	if err != nil {
		return false, 0, err
	}
	if !dec.Allowed {
		d.blockedUntil = now.Add(dec.RetryAfter)
		d.log.Debug("global rate limit reached, deferring", zap.Duration("retry_after", dec.RetryAfter))
		return false, d.capped(dec.RetryAfter), nil
	}

	j, err := d.store.ClaimNext(ctx, now, d.opts.Owner)
	if err != nil {
		return false, 0, err
	}
	if j == nil {
		// another dispatcher took it
		return false, 0, nil
	}
	d.bus.Emit(domain.NewJobEvent(j, domain.Pending, domain.Active, now))

	err = d.pool.Submit(ctx, j, func() {
		d.slots.Release(1)
		d.Nudge()
	})
	if err != nil {
		// left Active under our owner; shutdown releases it
		return false, 0, nil
	}
	return true, 0, nil
}

func (d *Dispatcher) capped(wait time.Duration) time.Duration {
	if wait > d.opts.PollInterval {
		return d.opts.PollInterval
	}
	return wait
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-d.nudge:
	}
	return true
}
