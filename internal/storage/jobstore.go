package storage

import (
	"context"
	"time"

	"github.com/SirClappington/notiq/internal/domain"
)

// JobStore is the single source of truth for job state. Every transition
// out of Active is a compare-and-swap on the lease id handed out by
// ClaimNext, so a worker that lost its lease can never ack a job.
type JobStore interface {
	// Insert persists a new Pending job. If a Pending or Active job with the
	// same idempotency key exists it returns a *domain.DuplicateError.
	Insert(ctx context.Context, j *domain.Job) error

	Get(ctx context.Context, id string) (*domain.Job, error)

	// NextRunAt reports the earliest NextRunAt among Pending jobs.
	NextRunAt(ctx context.Context) (at time.Time, ok bool, err error)

	// ClaimNext atomically moves the due Pending job with the smallest
	// (NextRunAt, CreatedAt) to Active under owner. It returns nil when no
	// job is due.
	ClaimNext(ctx context.Context, now time.Time, owner string) (*domain.Job, error)

	Heartbeat(ctx context.Context, id, leaseID string, now time.Time) error

	Complete(ctx context.Context, id, leaseID string, now time.Time) (*domain.Job, error)

	// Reschedule records a failed attempt and puts the job back to Pending.
	Reschedule(ctx context.Context, id, leaseID, reason string, nextRunAt, now time.Time) (*domain.Job, error)

	// Bury records a failed attempt and moves the job to Dead.
	Bury(ctx context.Context, id, leaseID, reason string, now time.Time) (*domain.Job, error)

	// ReapStale takes back Active jobs whose heartbeat is older than cutoff.
	// Each counts as a failed attempt: the job is due again immediately, or
	// Dead when no attempts remain.
	ReapStale(ctx context.Context, cutoff, now time.Time) ([]*domain.Job, error)

	// ReleaseOwned returns every Active job held by owner to Pending.
	ReleaseOwned(ctx context.Context, owner string, now time.Time) ([]*domain.Job, error)

	// Purge deletes jobs in a terminal state that finished before the
	// cutoff, and beyond the newest keep of them.
	Purge(ctx context.Context, state domain.State, before time.Time, keep int) (int64, error)

	Stats(ctx context.Context, now time.Time) (domain.Stats, error)

	// Failures lists the most recently dead-lettered jobs.
	Failures(ctx context.Context, limit int) ([]*domain.Job, error)

	Ping(ctx context.Context) error
}

const (
	reasonLeaseExpired = "lease expired: worker stopped heartbeating"
	reasonReleased     = "released on shutdown"
)
