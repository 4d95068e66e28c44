package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/SirClappington/notiq/internal/kv"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a fixed-window admission gate. Each key's window opens on its
// first use, so windows of different keys are not aligned.
type Limiter struct {
	name   string
	limit  int64
	window time.Duration
	store  kv.Store
}

func New(name string, limit int, window time.Duration, store kv.Store) *Limiter {
	return &Limiter{name: name, limit: int64(limit), window: window, store: store}
}

// TryAdmit counts one call against key. Calls beyond the limit are denied
// with the time left until the window resets; they never count as admitted.
func (l *Limiter) TryAdmit(ctx context.Context, key string) (Decision, error) {
	n, remaining, err := l.store.IncrWindow(ctx, "rl:"+l.name+":"+key, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", l.name, err)
	}
	if n <= l.limit {
		return Decision{Allowed: true}, nil
	}
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return Decision{RetryAfter: remaining}, nil
}

func (l *Limiter) Limit() int { return int(l.limit) }

func (l *Limiter) Window() time.Duration { return l.window }
