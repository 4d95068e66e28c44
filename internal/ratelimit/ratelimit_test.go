package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/notiq/internal/kv"
)

func TestTryAdmitWithinLimit(t *testing.T) {
	ctx := context.Background()
	c := clock.NewMockClock()
	l := New("recipient", 5, time.Hour, kv.NewMemory(c))

	for i := 0; i < 5; i++ {
		d, err := l.TryAdmit(ctx, "a@example.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i+1)
	}

	c.AddTime(15 * time.Minute)
	d, err := l.TryAdmit(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 45*time.Minute, d.RetryAfter)

	// other keys have their own window
	d, err = l.TryAdmit(ctx, "b@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	c.AddTime(45 * time.Minute)
	d, err = l.TryAdmit(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "window reset")
}

func TestTryAdmitNeverExceedsLimitConcurrently(t *testing.T) {
	ctx := context.Background()
	l := New("global", 100, time.Minute, kv.NewMemory(clock.NewMockClock()))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				d, err := l.TryAdmit(ctx, "queue")
				if err == nil && d.Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 100, admitted.Load())
}
