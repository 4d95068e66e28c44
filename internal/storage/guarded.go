package storage

import (
	"context"
	"time"

	"github.com/SirClappington/notiq/internal/domain"
)

// Gate reports whether the store may be used and learns about outages.
type Gate interface {
	Connected() bool
	Report(err error)
}

// Guarded fails every call fast with ErrStoreUnavailable while the gate is
// not Connected, and reports failures of the wrapped store to the gate.
// Nothing is buffered in memory while the store is away.
type Guarded struct {
	next JobStore
	gate Gate
}

var _ JobStore = (*Guarded)(nil)

func NewGuarded(next JobStore, gate Gate) *Guarded {
	return &Guarded{next: next, gate: gate}
}

func (g *Guarded) check() error {
	if !g.gate.Connected() {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (g *Guarded) report(err error) error {
	if err != nil {
		g.gate.Report(err)
	}
	return err
}

func (g *Guarded) Insert(ctx context.Context, j *domain.Job) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.report(g.next.Insert(ctx, j))
}

func (g *Guarded) Get(ctx context.Context, id string) (*domain.Job, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	j, err := g.next.Get(ctx, id)
	return j, g.report(err)
}

func (g *Guarded) NextRunAt(ctx context.Context) (time.Time, bool, error) {
	if err := g.check(); err != nil {
		return time.Time{}, false, err
	}
	at, ok, err := g.next.NextRunAt(ctx)
	return at, ok, g.report(err)
}

func (g *Guarded) ClaimNext(ctx context.Context, now time.Time, owner string) (*domain.Job, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	j, err := g.next.ClaimNext(ctx, now, owner)
	return j, g.report(err)
}

func (g *Guarded) Heartbeat(ctx context.Context, id, leaseID string, now time.Time) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.report(g.next.Heartbeat(ctx, id, leaseID, now))
}

func (g *Guarded) Complete(ctx context.Context, id, leaseID string, now time.Time) (*domain.Job, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	j, err := g.next.Complete(ctx, id, leaseID, now)
	return j, g.report(err)
}

func (g *Guarded) Reschedule(ctx context.Context, id, leaseID, reason string, nextRunAt, now time.Time) (*domain.Job, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	j, err := g.next.Reschedule(ctx, id, leaseID, reason, nextRunAt, now)
	return j, g.report(err)
}

func (g *Guarded) Bury(ctx context.Context, id, leaseID, reason string, now time.Time) (*domain.Job, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	j, err := g.next.Bury(ctx, id, leaseID, reason, now)
	return j, g.report(err)
}

func (g *Guarded) ReapStale(ctx context.Context, cutoff, now time.Time) ([]*domain.Job, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	jobs, err := g.next.ReapStale(ctx, cutoff, now)
	return jobs, g.report(err)
}

// ReleaseOwned runs during shutdown, possibly while reconnecting, so it is
// attempted regardless of the gate.
func (g *Guarded) ReleaseOwned(ctx context.Context, owner string, now time.Time) ([]*domain.Job, error) {
	return g.next.ReleaseOwned(ctx, owner, now)
}

func (g *Guarded) Purge(ctx context.Context, state domain.State, before time.Time, keep int) (int64, error) {
	if err := g.check(); err != nil {
		return 0, err
	}
	n, err := g.next.Purge(ctx, state, before, keep)
	return n, g.report(err)
}

func (g *Guarded) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	if err := g.check(); err != nil {
		return domain.Stats{}, err
	}
	s, err := g.next.Stats(ctx, now)
	return s, g.report(err)
}

func (g *Guarded) Failures(ctx context.Context, limit int) ([]*domain.Job, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	jobs, err := g.next.Failures(ctx, limit)
	return jobs, g.report(err)
}

func (g *Guarded) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}
