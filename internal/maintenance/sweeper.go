package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/storage"
)

// Retention bounds how long and how many finished jobs of one state are kept.
type Retention struct {
	State  domain.State
	MaxAge time.Duration
	Keep   int
}

type Sweeper struct {
	store    storage.JobStore
	clock    clock.Clock
	interval time.Duration
	rules    []Retention
	log      *zap.Logger
}

func NewSweeper(store storage.JobStore, c clock.Clock, interval time.Duration, rules []Retention, log *zap.Logger) *Sweeper {
	if c == nil {
		c = clock.C
	}
	return &Sweeper{store: store, clock: c, interval: interval, rules: rules, log: log.Named("sweeper")}
}

func (s *Sweeper) Run(ctx context.Context) error {
	return every(ctx, s.interval, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			s.log.Error("retention sweep failed", zap.Error(err))
		}
	})
}

// Sweep applies every rule once and returns the number of jobs deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	var total int64
	for _, r := range s.rules {
		n, err := s.store.Purge(ctx, r.State, now.Add(-r.MaxAge), r.Keep)
		if err != nil {
			return total, err
		}
		if n > 0 {
			s.log.Info("purged finished jobs", zap.String("state", string(r.State)), zap.Int64("count", n))
		}
		total += n
	}
	return total, nil
}
