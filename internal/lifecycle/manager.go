// Package lifecycle starts and stops the dispatching side of the service as
// one unit.
package lifecycle

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/events"
	"github.com/SirClappington/notiq/internal/storage"
)

// Runner is a long-running component stopped by cancelling ctx.
type Runner interface {
	Run(ctx context.Context) error
}

// Pool is the worker side: Run executes until Close drains it or ctx is
// cancelled.
type Pool interface {
	Runner
	Close()
}

type Components struct {
	// Conn watches the store connection. Its Run returning ErrDisconnected
	// brings the whole service down.
	Conn       Runner
	Dispatcher Runner
	Pool       Pool
	// Background holds the periodic jobs, such as the reaper and the
	// retention sweep.
	Background []Runner
	// Store is used to hand back jobs still held at shutdown.
	Store storage.JobStore
	Bus   *events.Bus
}

type Options struct {
	Owner           string
	ShutdownTimeout time.Duration
	Clock           clock.Clock
}

type Manager struct {
	c    Components
	opts Options
	log  *zap.Logger
}

func New(c Components, opts Options, log *zap.Logger) *Manager {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.C
	}
	return &Manager{c: c, opts: opts, log: log.Named("lifecycle")}
}

// Run blocks until ctx is cancelled or a component fails, then shuts down:
// the dispatcher stops claiming, in-flight jobs get ShutdownTimeout to
// finish, and whatever this instance still holds goes back to Pending.
func (m *Manager) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = m.c.Pool.Run(workerCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.c.Conn.Run(gctx) })
	g.Go(func() error { return m.c.Dispatcher.Run(gctx) })
	for _, r := range m.c.Background {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}
	m.log.Info("started", zap.String("owner", m.opts.Owner))
	err := g.Wait()
	if err != nil {
		m.log.Error("component failed, shutting down", zap.Error(err))
	} else {
		m.log.Info("shutting down")
	}

	m.shutdown(poolDone, cancelWorkers)
	return err
}

func (m *Manager) shutdown(poolDone <-chan struct{}, cancelWorkers context.CancelFunc) {
	m.c.Pool.Close()

	t := time.NewTimer(m.opts.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-poolDone:
		m.log.Info("in-flight jobs finished")
	case <-t.C:
		m.log.Warn("shutdown timeout reached with jobs in flight", zap.Duration("timeout", m.opts.ShutdownTimeout))
	}

	m.release()
	cancelWorkers()

	select {
	case <-poolDone:
	case <-time.After(5 * time.Second):
		m.log.Warn("workers did not stop after cancellation")
	}
}

func (m *Manager) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := m.opts.Clock.Now()
	jobs, err := m.c.Store.ReleaseOwned(ctx, m.opts.Owner, now)
	if err != nil {
		// the reaper of another instance picks them up once heartbeats stop
		m.log.Error("releasing held jobs failed", zap.Error(err))
		return
	}
	for _, j := range jobs {
		m.log.Warn("released unfinished job", zap.String("job_id", j.ID))
		m.c.Bus.Emit(domain.NewJobEvent(j, domain.Active, domain.Pending, now))
	}
}
