package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/events"
	"github.com/SirClappington/notiq/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockClock interface {
	clock.Clock
	AddTime(time.Duration)
}

func claimed(t *testing.T, s storage.JobStore, now time.Time) *domain.Job {
	t.Helper()
	return claimedWith(t, s, now, 3)
}

func claimedWith(t *testing.T, s storage.JobStore, now time.Time, maxAttempts int) *domain.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, &domain.Job{
		ID:          uuid.NewString(),
		EventType:   domain.OrderCancellation,
		BusinessKey: uuid.NewString(),
		Payload:     domain.Payload{Recipient: "a@example.com"},
		MaxAttempts: maxAttempts,
		State:       domain.Pending,
		NextRunAt:   now,
		CreatedAt:   now,
	}))
	j, err := s.ClaimNext(ctx, now, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestReapReturnsStaleJobs(t *testing.T) {
	var c mockClock = clock.NewMockClock()
	s := storage.NewMemory()
	bus := events.NewBus()
	var got []domain.JobEvent
	bus.Subscribe(func(ev domain.JobEvent) { got = append(got, ev) })
	ctx := context.Background()

	stale := claimed(t, s, c.Now())
	c.AddTime(30 * time.Second)
	fresh := claimed(t, s, c.Now())
	c.AddTime(45 * time.Second)

	r := NewReaper(s, bus, c, time.Second, time.Minute, zap.NewNop())
	n, err := r.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].JobID)
	assert.Equal(t, domain.Active, got[0].From)
	assert.Equal(t, domain.Pending, got[0].To)

	j, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, j.State)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, 1, got[0].Attempt)
	j, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Active, j.State)

	// the worker of the reaped job can no longer record anything
	_, err = s.Complete(ctx, stale.ID, stale.LeaseID, c.Now())
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestReapDeadLettersExhaustedJob(t *testing.T) {
	var c mockClock = clock.NewMockClock()
	s := storage.NewMemory()
	bus := events.NewBus()
	var got []domain.JobEvent
	bus.Subscribe(func(ev domain.JobEvent) { got = append(got, ev) })
	ctx := context.Background()

	j := claimedWith(t, s, c.Now(), 1)
	c.AddTime(2 * time.Minute)

	n, err := NewReaper(s, bus, c, time.Second, time.Minute, zap.NewNop()).Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, domain.Active, got[0].From)
	assert.Equal(t, domain.Dead, got[0].To)
	assert.Contains(t, got[0].Error, "lease expired")

	dead, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Dead, dead.State)
	assert.Equal(t, 1, dead.Attempts)
}

func TestSweepAppliesRules(t *testing.T) {
	var c mockClock = clock.NewMockClock()
	s := storage.NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := claimed(t, s, c.Now())
		_, err := s.Complete(ctx, j.ID, j.LeaseID, c.Now())
		require.NoError(t, err)
	}
	j := claimed(t, s, c.Now())
	_, err := s.Bury(ctx, j.ID, j.LeaseID, "550", c.Now())
	require.NoError(t, err)
	c.AddTime(48 * time.Hour)

	sw := NewSweeper(s, c, time.Hour, []Retention{
		{State: domain.Completed, MaxAge: 24 * time.Hour, Keep: 1000},
		{State: domain.Dead, MaxAge: 7 * 24 * time.Hour, Keep: 1000},
	}, zap.NewNop())
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	st, err := s.Stats(ctx, c.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.Counts[domain.Completed])
	assert.EqualValues(t, 1, st.Counts[domain.Dead], "dead jobs are kept longer")
}

func TestRunStopsWithContext(t *testing.T) {
	s := storage.NewMemory()
	r := NewReaper(s, nil, nil, time.Millisecond, time.Minute, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Run(ctx))
}
