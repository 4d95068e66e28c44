package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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
	"github.com/SirClappington/notiq/internal/notify"
	"github.com/SirClappington/notiq/internal/retry"
	"github.com/SirClappington/notiq/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sendFunc func(ctx context.Context, recipient string, msg notify.Message) error

func (f sendFunc) Send(ctx context.Context, recipient string, msg notify.Message) error {
	return f(ctx, recipient, msg)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (r *recorder) handle(ev domain.JobEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) States() []domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.To)
	}
	return out
}

type mockClock interface {
	clock.Clock
	AddTime(time.Duration)
}

type harness struct {
	store *storage.Memory
	clock mockClock
	rec   *recorder
	pool  *Pool
}

func newHarness(t *testing.T, send sendFunc, opts Options) *harness {
	h := &harness{store: storage.NewMemory(), clock: clock.NewMockClock(), rec: &recorder{}}
	bus := events.NewBus()
	bus.Subscribe(h.rec.handle)
	opts.Clock = h.clock
	if opts.Policy.Steps == nil {
		opts.Policy = retry.Policy{Steps: retry.DefaultSteps}
	}
	h.pool = New(h.store, notify.NewTemplateRenderer(nil, ""), send, bus, opts, zap.NewNop())
	return h
}

// claim inserts a due job and claims it the way the dispatcher does.
func (h *harness) claim(t *testing.T, maxAttempts int) *domain.Job {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	err := h.store.Insert(ctx, &domain.Job{
		ID:          uuid.NewString(),
		EventType:   domain.OrderConfirmation,
		BusinessKey: "1001",
		Payload: domain.Payload{
			Recipient: "alice@example.com",
			Entity:    map[string]string{"order_number": "1001"},
		},
		MaxAttempts: maxAttempts,
		State:       domain.Pending,
		NextRunAt:   now,
		CreatedAt:   now,
	})
	require.NoError(t, err)
	j, err := h.store.ClaimNext(ctx, now, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func (h *harness) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestExecuteSuccess(t *testing.T) {
	var subject string
	h := newHarness(t, func(_ context.Context, _ string, msg notify.Message) error {
		subject = msg.Subject
		return nil
	}, Options{})
	j := h.claim(t, 3)

	h.pool.Execute(context.Background(), j)

	got := h.get(t, j.ID)
	assert.Equal(t, domain.Completed, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, "Order 1001 confirmed", subject)
	assert.Equal(t, []domain.State{domain.Completed}, h.rec.States())
}

func TestExecuteRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t, func(context.Context, string, notify.Message) error {
		return notify.Retriable("421 service not available")
	}, Options{})
	j := h.claim(t, 3)
	ctx := context.Background()

	h.pool.Execute(ctx, j)
	got := h.get(t, j.ID)
	assert.Equal(t, domain.Pending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, h.clock.Now().Add(time.Minute), got.NextRunAt)

	for i := 0; i < 2; i++ {
		h.clock.AddTime(5 * time.Hour)
		j, err := h.store.ClaimNext(ctx, h.clock.Now(), "w1")
		require.NoError(t, err)
		require.NotNil(t, j)
		h.pool.Execute(ctx, j)
	}

	got = h.get(t, j.ID)
	assert.Equal(t, domain.Dead, got.State)
	assert.Equal(t, 3, got.Attempts)
	assert.Len(t, got.Failures, 3)
	assert.Contains(t, got.LastError, "421")
	assert.Equal(t, []domain.State{domain.Failed, domain.Failed, domain.Dead}, h.rec.States())
}

func TestExecutePermanentFailure(t *testing.T) {
	h := newHarness(t, func(context.Context, string, notify.Message) error {
		return notify.NonRetriable("550 mailbox unavailable")
	}, Options{})
	j := h.claim(t, 5)

	h.pool.Execute(context.Background(), j)

	got := h.get(t, j.ID)
	assert.Equal(t, domain.Dead, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestExecuteRecoversPanic(t *testing.T) {
	h := newHarness(t, func(context.Context, string, notify.Message) error {
		panic("transport bug")
	}, Options{})
	j := h.claim(t, 5)

	h.pool.Execute(context.Background(), j)

	got := h.get(t, j.ID)
	assert.Equal(t, domain.Pending, got.State)
	assert.Contains(t, got.LastError, "panicked")
}

func TestExecuteTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ string, _ notify.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}, Options{JobTimeout: 20 * time.Millisecond})
	j := h.claim(t, 5)

	h.pool.Execute(context.Background(), j)

	got := h.get(t, j.ID)
	assert.Equal(t, domain.Pending, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestExecuteAbandonsLostLease(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ string, _ notify.Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Options{HeartbeatInterval: 10 * time.Millisecond})
	j := h.claim(t, 5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pool.Execute(context.Background(), j)
	}()
	<-started
	reaped, err := h.store.ReapStale(context.Background(), h.clock.Now().Add(time.Hour), h.clock.Now())
	require.NoError(t, err)
	require.Len(t, reaped, 1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery was not aborted after the lease was lost")
	}

	got := h.get(t, j.ID)
	assert.Equal(t, domain.Pending, got.State)
	assert.Equal(t, 1, got.Attempts, "only the reaper records the lost attempt")
	assert.Empty(t, h.rec.States())
}

func TestExecuteLeavesJobOnShutdown(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ string, _ notify.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}, Options{})
	j := h.claim(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.pool.Execute(ctx, j)

	got := h.get(t, j.ID)
	assert.Equal(t, domain.Active, got.State, "left for ReleaseOwned")
}

func TestRunDrainsOnClose(t *testing.T) {
	var sent atomic.Int32
	h := newHarness(t, func(context.Context, string, notify.Message) error {
		sent.Add(1)
		return nil
	}, Options{Concurrency: 2})

	done := make(chan error, 1)
	go func() { done <- h.pool.Run(context.Background()) }()

	var finished atomic.Int32
	for i := 0; i < 4; i++ {
		j := h.claim(t, 3)
		require.NoError(t, h.pool.Submit(context.Background(), j, func() { finished.Add(1) }))
	}
	h.pool.Close()
	h.pool.Close()

	require.NoError(t, <-done)
	assert.EqualValues(t, 4, sent.Load())
	assert.EqualValues(t, 4, finished.Load())
}

func TestSubmitRespectsContext(t *testing.T) {
	h := newHarness(t, func(context.Context, string, notify.Message) error { return nil }, Options{})
	j := h.claim(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.pool.Submit(ctx, j, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}
