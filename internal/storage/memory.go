package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/notiq/internal/domain"
)

// Memory is an in-process JobStore with the same transition rules as the
// Postgres store. It backs the package tests and the contract suite run
// against both stores; no binary wires it, since jobs would not survive
// the process.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

var _ JobStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job)}
}

func live(s domain.State) bool { return s == domain.Pending || s == domain.Active }

func (m *Memory) Insert(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.IdempotencyKey != "" {
		for _, other := range m.jobs {
			if other.IdempotencyKey == j.IdempotencyKey && live(other.State) {
				return &domain.DuplicateError{ExistingID: other.ID}
			}
		}
	}
	if _, ok := m.jobs[j.ID]; ok {
		return &domain.DuplicateError{ExistingID: j.ID}
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func runsBefore(a, b *domain.Job) bool {
	if !a.NextRunAt.Equal(b.NextRunAt) {
		return a.NextRunAt.Before(b.NextRunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) NextRunAt(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *domain.Job
	for _, j := range m.jobs {
		if j.State == domain.Pending && (first == nil || runsBefore(j, first)) {
			first = j
		}
	}
	if first == nil {
		return time.Time{}, false, nil
	}
	return first.NextRunAt, true, nil
}

func (m *Memory) ClaimNext(_ context.Context, now time.Time, owner string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *domain.Job
	for _, j := range m.jobs {
		if j.State != domain.Pending || j.NextRunAt.After(now) {
			continue
		}
		if next == nil || runsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Claim(owner, uuid.NewString(), now)
	return next.Clone(), nil
}

// leased returns the job if it is Active under leaseID. Callers hold mu.
func (m *Memory) leased(id, leaseID string) (*domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if j.State != domain.Active || j.LeaseID != leaseID {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

func (m *Memory) transition(id, leaseID string, apply func(*domain.Job)) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.leased(id, leaseID)
	if err != nil {
		return nil, err
	}
	apply(j)
	return j.Clone(), nil
}

func (m *Memory) Heartbeat(_ context.Context, id, leaseID string, now time.Time) error {
	_, err := m.transition(id, leaseID, func(j *domain.Job) {
		t := now
		j.HeartbeatAt = &t
	})
	return err
}

func (m *Memory) Complete(_ context.Context, id, leaseID string, now time.Time) (*domain.Job, error) {
	return m.transition(id, leaseID, func(j *domain.Job) { j.Complete(now) })
}

func (m *Memory) Reschedule(_ context.Context, id, leaseID, reason string, nextRunAt, now time.Time) (*domain.Job, error) {
	return m.transition(id, leaseID, func(j *domain.Job) { j.Reschedule(reason, nextRunAt, now) })
}

func (m *Memory) Bury(_ context.Context, id, leaseID, reason string, now time.Time) (*domain.Job, error) {
	return m.transition(id, leaseID, func(j *domain.Job) { j.Bury(reason, now) })
}

func (m *Memory) revertWhere(match func(*domain.Job) bool, apply func(*domain.Job)) []*domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.jobs {
		if j.State == domain.Active && match(j) {
			apply(j)
			out = append(out, j.Clone())
		}
	}
	return out
}

func (m *Memory) ReapStale(_ context.Context, cutoff, now time.Time) ([]*domain.Job, error) {
	return m.revertWhere(func(j *domain.Job) bool {
		return j.HeartbeatAt == nil || j.HeartbeatAt.Before(cutoff)
	}, func(j *domain.Job) { j.Reclaim(reasonLeaseExpired, now) }), nil
}

func (m *Memory) ReleaseOwned(_ context.Context, owner string, now time.Time) ([]*domain.Job, error) {
	return m.revertWhere(func(j *domain.Job) bool { return j.Owner == owner },
		func(j *domain.Job) { j.Revert(reasonReleased, now) }), nil
}

func finishedAt(j *domain.Job) time.Time {
	if t := j.FinishedAt(); !t.IsZero() {
		return t
	}
	return j.CreatedAt
}

func (m *Memory) Purge(_ context.Context, state domain.State, before time.Time, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var done []*domain.Job
	for _, j := range m.jobs {
		if j.State == state {
			done = append(done, j)
		}
	}
	// newest first
	sort.Slice(done, func(a, b int) bool { return finishedAt(done[a]).After(finishedAt(done[b])) })
	var n int64
	for i, j := range done {
		if i >= keep || finishedAt(j).Before(before) {
			delete(m.jobs, j.ID)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context, now time.Time) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := domain.Stats{Counts: map[domain.State]int64{
		domain.Pending:   0,
		domain.Active:    0,
		domain.Completed: 0,
		domain.Dead:      0,
	}}
	for _, j := range m.jobs {
		s.Counts[j.State]++
		if j.State != domain.Pending {
			continue
		}
		if !j.NextRunAt.After(now) {
			s.Due++
		}
		if s.OldestPending == nil || j.CreatedAt.Before(*s.OldestPending) {
			t := j.CreatedAt
			s.OldestPending = &t
		}
	}
	s.Depth = s.Counts[domain.Pending] + s.Counts[domain.Active]
	return s, nil
}

func (m *Memory) Failures(_ context.Context, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dead []*domain.Job
	for _, j := range m.jobs {
		if j.State == domain.Dead {
			dead = append(dead, j.Clone())
		}
	}
	sort.Slice(dead, func(a, b int) bool { return finishedAt(dead[a]).After(finishedAt(dead[b])) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
