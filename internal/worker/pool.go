// Package worker executes claimed jobs on a fixed number of goroutines and
// records each outcome in the job store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/events"
	"github.com/SirClappington/notiq/internal/notify"
	"github.com/SirClappington/notiq/internal/retry"
	"github.com/SirClappington/notiq/internal/storage"
)

type Options struct {
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Policy            retry.Policy
	Clock             clock.Clock
}

type task struct {
	job  *domain.Job
	done func()
}

// Pool runs Concurrency workers. Jobs are handed over with Submit by the
// dispatcher, which already holds a free slot for each one.
type Pool struct {
	store     storage.JobStore
	renderer  notify.Renderer
	transport notify.Transport
	bus       *events.Bus
	opts      Options
	log       *zap.Logger

	tasks     chan task
	closeOnce sync.Once
}

func New(store storage.JobStore, renderer notify.Renderer, transport notify.Transport, bus *events.Bus, opts Options, log *zap.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.C
	}
	return &Pool{
		store:     store,
		renderer:  renderer,
		transport: transport,
		bus:       bus,
		opts:      opts,
		log:       log.Named("worker"),
		tasks:     make(chan task),
	}
}

func (p *Pool) Size() int { return p.opts.Concurrency }

// Run starts the workers and blocks until they have all exited, which
// happens after Close once the queue is drained, or when ctx is cancelled.
// Cancelling ctx also aborts jobs in flight.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

// Close stops accepting jobs; workers exit after their current job.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

// Submit hands j to an idle worker. done is called once the outcome has
// been recorded. Submit must not be called after Close.
func (p *Pool) Submit(ctx context.Context, j *domain.Job, done func()) error {
	select {
	case p.tasks <- task{job: j, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				p.log.Debug("worker stopping", zap.Int("worker", id))
				return
			}
			p.Execute(ctx, t.job)
			if t.done != nil {
				t.done()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Execute delivers one claimed job and records the outcome.
func (p *Pool) Execute(ctx context.Context, j *domain.Job) {
	log := p.log.With(
		zap.String("job_id", j.ID),
		zap.String("event_type", string(j.EventType)),
		zap.Int("attempt", j.Attempts+1))

	jobCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	hbCtx, stopHB := context.WithCancel(jobCtx)
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, j, cancel, log)
	}()

	start := time.Now()
	err := p.deliver(jobCtx, j)
	stopHB()
	<-hbDone

	if ctx.Err() != nil {
		// forced shutdown: the lifecycle releases the job back to Pending
		log.Warn("job aborted by shutdown", zap.NamedError("delivery_error", err))
		return
	}
	p.record(ctx, j, err, time.Since(start), log)
}

func (p *Pool) deliver(ctx context.Context, j *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()
	msg, err := p.renderer.Render(ctx, j.EventType, j.Payload, j.Payload.Locale)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if err := p.transport.Send(ctx, j.Payload.Recipient, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (p *Pool) heartbeat(ctx context.Context, j *domain.Job, abort context.CancelFunc, log *zap.Logger) {
	t := time.NewTicker(p.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.store.Heartbeat(ctx, j.ID, j.LeaseID, p.opts.Clock.Now())
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrNotFound):
				log.Warn("lease lost, abandoning delivery", zap.Error(err))
				abort()
				return
			default:
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) record(ctx context.Context, j *domain.Job, deliveryErr error, took time.Duration, log *zap.Logger) {
	now := p.opts.Clock.Now()
	var (
		updated *domain.Job
		to      domain.State
		err     error
	)
	attempts := j.Attempts + 1
	switch {
	case deliveryErr == nil:
		updated, err = p.store.Complete(ctx, j.ID, j.LeaseID, now)
		to = domain.Completed
	case notify.Permanent(deliveryErr) || attempts >= j.MaxAttempts:
		updated, err = p.store.Bury(ctx, j.ID, j.LeaseID, deliveryErr.Error(), now)
		to = domain.Dead
	default:
		next := now.Add(p.opts.Policy.Delay(attempts))
		updated, err = p.store.Reschedule(ctx, j.ID, j.LeaseID, deliveryErr.Error(), next, now)
		to = domain.Failed
	}
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			log.Warn("lease lost before outcome was recorded; job was handed to another worker",
				zap.String("outcome", string(to)), zap.NamedError("delivery_error", deliveryErr))
			return
		}
		log.Error("recording outcome failed", zap.String("outcome", string(to)), zap.Error(err))
		return
	}

	switch to {
	case domain.Completed:
		log.Info("notification delivered", zap.Duration("took", took))
	case domain.Dead:
		log.Error("notification dead-lettered",
			zap.Bool("permanent", notify.Permanent(deliveryErr)),
			zap.Int("max_attempts", j.MaxAttempts),
			zap.Error(deliveryErr))
	default:
		log.Warn("delivery failed, rescheduled",
			zap.Time("next_run_at", updated.NextRunAt),
			zap.Error(deliveryErr))
	}
	p.bus.Emit(domain.NewJobEvent(updated, domain.Active, to, now))
}
