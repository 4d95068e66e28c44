// Package kv is the small key/value contract behind deduplication records
// and rate-limit windows. The same callers run against an in-process store
// (tests, single instance) or Redis (several instances sharing state).
package kv

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value stored at key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// SetNX stores value at key for ttl unless the key already holds a live
	// value, in which case that value is returned with created=false.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (existing string, created bool, err error)

	Delete(ctx context.Context, key string) error

	// IncrWindow increments the counter at key. The first increment opens a
	// window of the given length; the counter vanishes when it closes.
	// It returns the new count and the time left in the window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}
