// Package events fans job state changes out to observability subscribers.
// The core only emits; logging, metrics and live streams subscribe.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/domain"
)

// Handler must return quickly; it runs on the goroutine that emitted.
type Handler func(domain.JobEvent)

type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a func that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Emit is safe on a nil Bus.
func (b *Bus) Emit(ev domain.JobEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(ev)
	}
}

// LogHandler writes every transition to log; dead letters and reclaimed
// leases are warnings.
func LogHandler(log *zap.Logger) Handler {
	return func(ev domain.JobEvent) {
		fields := []zap.Field{
			zap.String("job_id", ev.JobID),
			zap.String("event_type", string(ev.EventType)),
			zap.String("from", string(ev.From)),
			zap.String("to", string(ev.To)),
			zap.Int("attempt", ev.Attempt),
		}
		if ev.Error != "" {
			fields = append(fields, zap.String("error", ev.Error))
		}
		switch {
		case ev.To == domain.Dead:
			log.Warn("job dead-lettered", fields...)
		case ev.From == domain.Active && ev.To == domain.Pending:
			log.Warn("job released back to pending", fields...)
		case ev.To == domain.Failed:
			log.Info("job attempt failed", fields...)
		default:
			log.Debug("job state changed", fields...)
		}
	}
}
