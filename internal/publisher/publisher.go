// Package publisher turns business events into queued notification jobs.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/dedup"
	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/events"
	"github.com/SirClappington/notiq/internal/ratelimit"
	"github.com/SirClappington/notiq/internal/storage"
)

// Reasons a submission was not accepted.
const (
	ReasonDuplicate   = "duplicate"
	ReasonRateLimited = "rate_limited"
)

// Result of Submit. A duplicate or throttled submission is not an error:
// Accepted is false and Reason says why.
type Result struct {
	JobID      string        `json:"job_id,omitempty"`
	Accepted   bool          `json:"accepted"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Gate reports whether the job store can take writes right now.
type Gate interface {
	Connected() bool
}

type Params struct {
	Store storage.JobStore
	Dedup *dedup.Deduplicator
	// RecipientLimit throttles LimitedEvents per normalized recipient.
	RecipientLimit *ratelimit.Limiter
	LimitedEvents  []domain.EventType
	Gate           Gate
	Events         *events.Bus
	Clock          clock.Clock
	MaxAttempts    int
	// Nudge, if set, wakes a dispatcher in the same process.
	Nudge func()
	Log   *zap.Logger
}

type Publisher struct {
	p       Params
	limited map[domain.EventType]bool
	log     *zap.Logger
}

func New(p Params) *Publisher {
	if p.Clock == nil {
		p.Clock = clock.C
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	limited := make(map[domain.EventType]bool, len(p.LimitedEvents))
	for _, e := range p.LimitedEvents {
		limited[e] = true
	}
	return &Publisher{p: p, limited: limited, log: p.Log.Named("publisher")}
}

type submitOptions struct {
	maxAttempts int
	delay       time.Duration
}

type Option func(*submitOptions)

// WithMaxAttempts overrides the delivery attempt limit for one job.
func WithMaxAttempts(n int) Option {
	return func(o *submitOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithDelay schedules the first attempt d from now.
func WithDelay(d time.Duration) Option {
	return func(o *submitOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// Submit enqueues a notification for eventType about the business entity
// businessKey. Equal submissions within the dedup window, or while the
// first job is still pending or active, coalesce to one job.
func (pb *Publisher) Submit(ctx context.Context, eventType domain.EventType, businessKey string, payload domain.Payload, opts ...Option) (Result, error) {
	o := submitOptions{maxAttempts: pb.p.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validate(eventType, businessKey, payload); err != nil {
		return Result{}, err
	}
	if !pb.p.Gate.Connected() {
		return Result{}, domain.ErrStoreUnavailable
	}

	fp, err := dedup.Fingerprint(payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	key := dedup.Key(eventType, businessKey, fp)
	log := pb.log.With(
		zap.String("event_type", string(eventType)),
		zap.String("business_key", businessKey))

	if id, ok, err := pb.p.Dedup.Lookup(ctx, key); err != nil {
		return Result{}, err
	} else if ok {
		log.Info("duplicate submission coalesced", zap.String("job_id", id))
		return Result{JobID: id, Reason: ReasonDuplicate}, nil
	}

	if pb.limited[eventType] {
		dec, err := pb.p.RecipientLimit.TryAdmit(ctx, recipientKey(payload.Recipient))
		if err != nil {
			return Result{}, err
		}
		if !dec.Allowed {
			log.Info("recipient rate limited", zap.Duration("retry_after", dec.RetryAfter))
			return Result{Reason: ReasonRateLimited, RetryAfter: dec.RetryAfter}, nil
		}
	}

	id := uuid.NewString()
	existing, reserved, err := pb.p.Dedup.Reserve(ctx, key, id)
	if err != nil {
		return Result{}, err
	}
	if !reserved {
		// lost a race with an identical submission
		return Result{JobID: existing, Reason: ReasonDuplicate}, nil
	}

	now := pb.p.Clock.Now()
	j := &domain.Job{
		ID:             id,
		EventType:      eventType,
		BusinessKey:    businessKey,
		IdempotencyKey: key,
		Payload:        payload.Clone(),
		MaxAttempts:    o.maxAttempts,
		State:          domain.Pending,
		NextRunAt:      now.Add(o.delay),
		CreatedAt:      now,
	}
	if err := pb.p.Store.Insert(ctx, j); err != nil {
		var dup *domain.DuplicateError
		if errors.As(err, &dup) {
			// the record expired but the first job is still live
			if err := pb.p.Dedup.Release(ctx, key); err != nil {
				log.Warn("releasing dedup reservation failed", zap.Error(err))
			} else if _, _, err := pb.p.Dedup.Reserve(ctx, key, dup.ExistingID); err != nil {
				log.Warn("re-recording dedup entry failed", zap.Error(err))
			}
			log.Info("duplicate submission coalesced", zap.String("job_id", dup.ExistingID))
			return Result{JobID: dup.ExistingID, Reason: ReasonDuplicate}, nil
		}
		if rerr := pb.p.Dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
			log.Warn("releasing dedup reservation failed", zap.Error(rerr))
		}
		return Result{}, fmt.Errorf("enqueue: %w", err)
	}

	log.Info("notification queued", zap.String("job_id", id), zap.Time("next_run_at", j.NextRunAt))
	pb.p.Events.Emit(domain.NewJobEvent(j, "", domain.Pending, now))
	if pb.p.Nudge != nil {
		pb.p.Nudge()
	}
	return Result{JobID: id, Accepted: true}, nil
}

func validate(eventType domain.EventType, businessKey string, p domain.Payload) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidEvent, eventType)
	}
	if strings.TrimSpace(businessKey) == "" {
		return fmt.Errorf("%w: business key is required", domain.ErrInvalidPayload)
	}
	if _, err := mail.ParseAddress(p.Recipient); err != nil {
		return fmt.Errorf("%w: recipient %q: %v", domain.ErrInvalidPayload, p.Recipient, err)
	}
	return nil
}

func recipientKey(r string) string {
	return strings.ToLower(strings.TrimSpace(r))
}
