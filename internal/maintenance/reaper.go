// Package maintenance runs the periodic store upkeep: returning jobs held
// by dead workers and purging old finished jobs.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/events"
	"github.com/SirClappington/notiq/internal/storage"
)

// Reaper takes back Active jobs whose heartbeat is older than Timeout so no
// claimed job is lost when its worker dies. The lost attempt counts; a job
// with none left is dead-lettered.
type Reaper struct {
	store    storage.JobStore
	bus      *events.Bus
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func NewReaper(store storage.JobStore, bus *events.Bus, c clock.Clock, interval, timeout time.Duration, log *zap.Logger) *Reaper {
	if c == nil {
		c = clock.C
	}
	return &Reaper{store: store, bus: bus, clock: c, interval: interval, timeout: timeout, log: log.Named("reaper")}
}

func (r *Reaper) Run(ctx context.Context) error {
	return every(ctx, r.interval, func() {
		if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			r.log.Error("reap failed", zap.Error(err))
		}
	})
}

// Reap runs one pass and returns the number of jobs taken back.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.clock.Now()
	jobs, err := r.store.ReapStale(ctx, now.Add(-r.timeout), now)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		log := r.log.With(
			zap.String("job_id", j.ID),
			zap.String("event_type", string(j.EventType)),
			zap.Int("attempts", j.Attempts))
		if j.State == domain.Dead {
			log.Error("job dead-lettered after its worker stopped responding")
		} else {
			log.Warn("reclaimed job from unresponsive worker")
		}
		r.bus.Emit(domain.NewJobEvent(j, domain.Active, j.State, now))
	}
	return len(jobs), nil
}

// every calls fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}
