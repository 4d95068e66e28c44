package kv

import (
	"context"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	gocache "github.com/patrickmn/go-cache"
)

type entry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// Memory is an in-process Store. Expiry is judged against the injected
// clock; the underlying cache only garbage-collects keys in wall time.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	items *gocache.Cache
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.C
	}
	return &Memory{
		clock: c,
		items: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (m *Memory) live(key string) (*entry, bool) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if !m.clock.Now().Before(e.expiresAt) {
		m.items.Delete(key)
		return nil, false
	}
	return e, true
}

func (m *Memory) put(key string, e *entry) {
	// Keep the wall-clock expiry at least as long as the logical one so the
	// janitor never drops a key that is still live on the injected clock.
	m.items.Set(key, e, e.expiresAt.Sub(m.clock.Now())+time.Minute)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok {
		return e.value, false, nil
	}
	m.put(key, &entry{value: value, expiresAt: m.clock.Now().Add(ttl)})
	return value, true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Delete(key)
	return nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	e, ok := m.live(key)
	if !ok {
		e = &entry{expiresAt: now.Add(window)}
		m.put(key, e)
	}
	e.count++
	return e.count, e.expiresAt.Sub(now), nil
}
