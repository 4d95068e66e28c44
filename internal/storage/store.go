package storage

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/notiq/internal/domain"
)

// purgeLock is the advisory lock key held by whichever instance runs the
// retention sweep in a given transaction.
const purgeLock = 42

// Store is the Postgres JobStore (source of truth).
type Store struct{ db *pgxpool.Pool }

var _ JobStore = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobCols = `id, event_type, business_key, idempotency_key, payload, attempts, max_attempts,
state, next_run_at, created_at, last_attempt_at, completed_at, failed_at, last_error,
owner, lease_id, heartbeat_at, failures`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j        domain.Job
		payload  []byte
		failures []byte
		leaseID  *string
	)
	err := row.Scan(&j.ID, &j.EventType, &j.BusinessKey, &j.IdempotencyKey, &payload,
		&j.Attempts, &j.MaxAttempts, &j.State, &j.NextRunAt, &j.CreatedAt,
		&j.LastAttemptAt, &j.CompletedAt, &j.FailedAt, &j.LastError,
		&j.Owner, &leaseID, &j.HeartbeatAt, &failures)
	if err != nil {
		return nil, err
	}
	if leaseID != nil {
		j.LeaseID = *leaseID
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, errors.Wrapf(err, "decode payload of job %s", j.ID)
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &j.Failures); err != nil {
			return nil, errors.Wrapf(err, "decode failures of job %s", j.ID)
		}
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// unavailable reports whether err means the database could not be reached,
// as opposed to a query it rejected.
func unavailable(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		// 08: connection exception; 57P0x: server shutting down or starting
		return len(pe.Code) == 5 && (pe.Code[:2] == "08" || pe.Code[:4] == "57P0")
	}
	return pgconn.Timeout(err)
}

func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if unavailable(err) {
		err = domain.Unavailable(err)
	}
	return errors.Wrap(err, msg)
}

// Insert persists job metadata. A live job with the same idempotency key
// wins; the insert then reports it as a duplicate.
func (s *Store) Insert(ctx context.Context, j *domain.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	failures, err := json.Marshal(j.Failures)
	if err != nil {
		return errors.Wrap(err, "encode failures")
	}
	if j.Failures == nil {
		failures = []byte("[]")
	}
	var id string
	err = s.db.QueryRow(ctx, `insert into jobs(
id, event_type, business_key, idempotency_key, payload, attempts, max_attempts,
state, next_run_at, created_at, last_error, failures
) values ($1,$2,$3,$4,$5,$6,$7,'pending',$8,$9,$10,$11)
on conflict (idempotency_key) where state in ('pending','active') do nothing
returning id`,
		j.ID, j.EventType, j.BusinessKey, j.IdempotencyKey, string(payload), j.Attempts, j.MaxAttempts,
		j.NextRunAt.UTC(), j.CreatedAt.UTC(), j.LastError, string(failures),
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return wrap(err, "insert job")
	}
	err = s.db.QueryRow(ctx, `select id from jobs
 where idempotency_key = $1 and state in ('pending','active') limit 1`, j.IdempotencyKey).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// the conflicting job finished between the two statements
		return s.Insert(ctx, j)
	case err != nil:
		return wrap(err, "lookup duplicate job")
	}
	return &domain.DuplicateError{ExistingID: id}
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobCols+` from jobs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, "get job")
	}
	return j, nil
}

func (s *Store) NextRunAt(ctx context.Context) (time.Time, bool, error) {
	var at *time.Time
	if err := s.db.QueryRow(ctx, `select min(next_run_at) from jobs where state = 'pending'`).Scan(&at); err != nil {
		return time.Time{}, false, wrap(err, "next run at")
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

// ClaimNext picks the earliest due job; concurrent claimers skip rows
// another transaction already locked.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, owner string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `update jobs
   set state = 'active', owner = $2, lease_id = $3, last_attempt_at = $1, heartbeat_at = $1
 where id = (
   select id from jobs
    where state = 'pending' and next_run_at <= $1
    order by next_run_at, created_at, id
    limit 1
    for update skip locked
 )
returning `+jobCols, now.UTC(), owner, uuid.NewString()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "claim job")
	}
	return j, nil
}

func (s *Store) Heartbeat(ctx context.Context, id, leaseID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `update jobs set heartbeat_at = $3
 where id = $1 and state = 'active' and lease_id = $2`, id, leaseID, now.UTC())
	if err != nil {
		return wrap(err, "heartbeat")
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, id)
	}
	return nil
}

// missing tells ErrNotFound from ErrLeaseLost after a guarded update hit no row.
func (s *Store) missing(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRow(ctx, `select 1 from jobs where id = $1`, id).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return wrap(err, "lookup job")
	}
	return domain.ErrLeaseLost
}

func save(ctx context.Context, tx pgx.Tx, j *domain.Job) error {
	failures, err := json.Marshal(j.Failures)
	if err != nil {
		return errors.Wrap(err, "encode failures")
	}
	_, err = tx.Exec(ctx, `update jobs
   set attempts = $2, state = $3, next_run_at = $4, last_attempt_at = $5, completed_at = $6,
       failed_at = $7, finished_at = $8, last_error = $9, owner = $10, lease_id = $11,
       heartbeat_at = $12, failures = $13
 where id = $1`,
		j.ID, j.Attempts, j.State, j.NextRunAt.UTC(), j.LastAttemptAt, j.CompletedAt,
		j.FailedAt, finishedCol(j), j.LastError, j.Owner, nullable(j.LeaseID),
		j.HeartbeatAt, string(failures))
	return err
}

func finishedCol(j *domain.Job) *time.Time {
	if t := j.FinishedAt(); !t.IsZero() {
		return &t
	}
	return nil
}

// transition applies fn to the job under a row lock, provided the caller
// still holds its lease.
func (s *Store) transition(ctx context.Context, id, leaseID string, fn func(*domain.Job)) (*domain.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx, `select `+jobCols+` from jobs where id = $1 for update`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, "lock job")
	}
	if j.State != domain.Active || j.LeaseID != leaseID {
		return nil, domain.ErrLeaseLost
	}
	fn(j)
	if err := save(ctx, tx, j); err != nil {
		return nil, wrap(err, "update job")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap(err, "commit")
	}
	return j, nil
}

func (s *Store) Complete(ctx context.Context, id, leaseID string, now time.Time) (*domain.Job, error) {
	return s.transition(ctx, id, leaseID, func(j *domain.Job) { j.Complete(now.UTC()) })
}

func (s *Store) Reschedule(ctx context.Context, id, leaseID, reason string, nextRunAt, now time.Time) (*domain.Job, error) {
	return s.transition(ctx, id, leaseID, func(j *domain.Job) { j.Reschedule(reason, nextRunAt.UTC(), now.UTC()) })
}

func (s *Store) Bury(ctx context.Context, id, leaseID, reason string, now time.Time) (*domain.Job, error) {
	return s.transition(ctx, id, leaseID, func(j *domain.Job) { j.Bury(reason, now.UTC()) })
}

// revert applies a release transition to the Active jobs selected by where
// (with $1 bound to arg) in one transaction.
func (s *Store) revert(ctx context.Context, where string, arg any, apply func(*domain.Job)) ([]*domain.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `select `+jobCols+` from jobs
 where state = 'active' and `+where+`
 for update skip locked`, arg)
	if err != nil {
		return nil, wrap(err, "select active jobs")
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, wrap(err, "scan active jobs")
	}
	for _, j := range jobs {
		apply(j)
		if err := save(ctx, tx, j); err != nil {
			return nil, wrap(err, "revert job")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap(err, "commit")
	}
	return jobs, nil
}

func (s *Store) ReapStale(ctx context.Context, cutoff, now time.Time) ([]*domain.Job, error) {
	return s.revert(ctx, `(heartbeat_at is null or heartbeat_at < $1)`, cutoff.UTC(),
		func(j *domain.Job) { j.Reclaim(reasonLeaseExpired, now.UTC()) })
}

func (s *Store) ReleaseOwned(ctx context.Context, owner string, now time.Time) ([]*domain.Job, error) {
	return s.revert(ctx, `owner = $1`, owner,
		func(j *domain.Job) { j.Revert(reasonReleased, now.UTC()) })
}

// Purge runs under a transaction-scoped advisory lock so only one instance
// sweeps at a time; others return 0.
func (s *Store) Purge(ctx context.Context, state domain.State, before time.Time, keep int) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	var ok bool
	if err := tx.QueryRow(ctx, `select pg_try_advisory_xact_lock($1)`, purgeLock).Scan(&ok); err != nil {
		return 0, wrap(err, "purge lock")
	}
	if !ok {
		return 0, nil
	}
	tag, err := tx.Exec(ctx, `delete from jobs
 where state = $1
   and (finished_at < $2 or id in (
     select id from jobs where state = $1
      order by finished_at desc nulls last
      offset $3))`, state, before.UTC(), keep)
	if err != nil {
		return 0, wrap(err, "purge")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap(err, "commit")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	st := domain.Stats{Counts: map[domain.State]int64{
		domain.Pending:   0,
		domain.Active:    0,
		domain.Completed: 0,
		domain.Dead:      0,
	}}
	rows, err := s.db.Query(ctx, `select state, count(*) from jobs group by state`)
	if err != nil {
		return st, wrap(err, "count jobs")
	}
	for rows.Next() {
		var (
			state domain.State
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return st, wrap(err, "scan counts")
		}
		st.Counts[state] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, wrap(err, "count jobs")
	}
	err = s.db.QueryRow(ctx, `select count(*) filter (where next_run_at <= $1), min(created_at)
  from jobs where state = 'pending'`, now.UTC()).Scan(&st.Due, &st.OldestPending)
	if err != nil {
		return st, wrap(err, "pending stats")
	}
	st.Depth = st.Counts[domain.Pending] + st.Counts[domain.Active]
	return st, nil
}

func (s *Store) Failures(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `select `+jobCols+` from jobs
 where state = 'dead' order by failed_at desc limit $1`, limit)
	if err != nil {
		return nil, wrap(err, "list failures")
	}
	jobs, err := scanJobs(rows)
	return jobs, wrap(err, "scan failures")
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap(s.db.Ping(ctx), "ping")
}
