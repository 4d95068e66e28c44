// Package resilience tracks whether the job store is reachable and drives
// reconnection with exponential backoff when it is not.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
)

type State string

const (
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Disconnected State = "disconnected"
)

// Pinger is the raw, unguarded store connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
	PingTimeout    time.Duration
	// Timer schedules the waits between reconnect attempts; nil uses real time.
	Timer backoff.Timer
}

func (o *Options) defaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
}

// Manager owns the connection state. Connected -> Reconnecting happens on a
// reported outage or failed health ping; Reconnecting -> Connected on the
// first successful ping; Reconnecting -> Disconnected once MaxAttempts pings
// have failed. Disconnected is terminal.
type Manager struct {
	store Pinger
	opts  Options
	log   *zap.Logger

	kick chan struct{}

	mu      sync.Mutex
	state   State
	cause   error
	changed chan struct{}
}

func New(store Pinger, opts Options, log *zap.Logger) *Manager {
	opts.defaults()
	return &Manager{
		store:   store,
		opts:    opts,
		log:     log.Named("resilience"),
		kick:    make(chan struct{}, 1),
		state:   Reconnecting,
		changed: make(chan struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool { return m.State() == Connected }

func (m *Manager) setState(s State, cause error) {
	m.mu.Lock()
	if m.state == s || m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = s
	m.cause = cause
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(s))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if s == Connected {
		m.log.Info("store connection state changed", fields...)
	} else {
		m.log.Warn("store connection state changed", fields...)
	}
}

// Report feeds the result of a store call. An ErrStoreUnavailable while
// Connected starts reconnection.
func (m *Manager) Report(err error) {
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		return
	}
	m.mu.Lock()
	connected := m.state == Connected
	m.mu.Unlock()
	if !connected {
		return
	}
	m.setState(Reconnecting, err)
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Wait blocks until the store is Connected. It returns ErrDisconnected once
// reconnection has been given up.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		s, ch := m.state, m.changed
		m.mu.Unlock()
		switch s {
		case Connected:
			return nil
		case Disconnected:
			return domain.ErrDisconnected
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
	defer cancel()
	return m.store.Ping(ctx)
}

// Run connects, then watches the connection until ctx is done. It returns
// ErrDisconnected when reconnection is exhausted.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.ping(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("initial store ping failed", zap.Error(err))
		if err := m.reconnect(ctx, err); err != nil {
			return err
		}
	} else {
		m.setState(Connected, nil)
	}

	health := time.NewTicker(m.opts.HealthInterval)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.kick:
		case <-health.C:
			if m.State() != Connected {
				break
			}
			if err := m.ping(ctx); err != nil && ctx.Err() == nil {
				m.setState(Reconnecting, err)
			}
		}
		if m.State() == Reconnecting {
			m.mu.Lock()
			cause := m.cause
			m.mu.Unlock()
			if err := m.reconnect(ctx, cause); err != nil {
				return err
			}
		}
	}
}

// reconnect pings with exponential backoff. The first wait precedes the
// first ping, so attempts land at base, 2*base, 4*base after the outage.
func (m *Manager) reconnect(ctx context.Context, cause error) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.opts.BaseDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(m.opts.MaxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.MaxAttempts)), ctx)

	attempt := 0
	op := func() error {
		if attempt == 0 {
			attempt++
			if cause == nil {
				cause = domain.ErrStoreUnavailable
			}
			return cause
		}
		err := m.ping(ctx)
		attempt++
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.log.Info("store unreachable, retrying",
			zap.Int("next_attempt", attempt),
			zap.Int("max_attempts", m.opts.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotifyWithTimer(op, bo, notify, m.opts.Timer)
	switch {
	case err == nil:
		m.setState(Connected, nil)
		return nil
	case ctx.Err() != nil:
		return nil
	}
	m.setState(Disconnected, err)
	m.log.Error("giving up on store connection", zap.Int("attempts", m.opts.MaxAttempts), zap.Error(err))
	return domain.ErrDisconnected
}
