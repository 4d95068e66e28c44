package domain

import "time"

// JobEvent is emitted on every state change of a job.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	EventType EventType `json:"event_type"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// NewJobEvent describes a transition of j into to.
func NewJobEvent(j *Job, from, to State, at time.Time) JobEvent {
	return JobEvent{
		JobID:     j.ID,
		EventType: j.EventType,
		From:      from,
		To:        to,
		Attempt:   j.Attempts,
		Error:     j.LastError,
		At:        at,
	}
}

// Claim moves a Pending job to Active under owner with a fresh lease.
func (j *Job) Claim(owner, leaseID string, now time.Time) {
	j.State = Active
	j.Owner = owner
	j.LeaseID = leaseID
	j.LastAttemptAt = &now
	j.HeartbeatAt = &now
}

// Complete records a successful delivery.
func (j *Job) Complete(now time.Time) {
	j.State = Completed
	j.CompletedAt = &now
	j.LastError = ""
	j.release()
}

// Reschedule records a failed attempt and makes the job due again at next.
func (j *Job) Reschedule(reason string, next, now time.Time) {
	j.fail(reason, now)
	j.State = Pending
	j.NextRunAt = next
	j.release()
}

// Bury records a failed attempt and dead-letters the job.
func (j *Job) Bury(reason string, now time.Time) {
	j.fail(reason, now)
	j.State = Dead
	j.FailedAt = &now
	j.release()
}

// Revert returns an Active job whose holder went away to Pending, due now.
// It does not count as an attempt.
func (j *Job) Revert(reason string, now time.Time) {
	j.LastError = reason
	j.RecordFailure(Failure{Attempt: j.Attempts, At: now, Reason: reason})
	j.State = Pending
	j.NextRunAt = now
	j.release()
}

// Reclaim takes an Active job back from a holder that stopped heartbeating.
// The lost attempt counts, so a job that keeps taking its worker down is
// dead-lettered once its attempts are used up.
func (j *Job) Reclaim(reason string, now time.Time) {
	j.fail(reason, now)
	if j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts {
		j.State = Dead
		j.FailedAt = &now
	} else {
		j.State = Pending
		j.NextRunAt = now
	}
	j.release()
}

func (j *Job) fail(reason string, now time.Time) {
	j.Attempts++
	j.LastError = reason
	j.RecordFailure(Failure{Attempt: j.Attempts, At: now, Reason: reason})
}

func (j *Job) release() {
	j.Owner = ""
	j.LeaseID = ""
	j.HeartbeatAt = nil
}

// FinishedAt is when the job reached its terminal state, or zero.
func (j *Job) FinishedAt() time.Time {
	switch {
	case j.CompletedAt != nil:
		return *j.CompletedAt
	case j.FailedAt != nil:
		return *j.FailedAt
	}
	return time.Time{}
}
